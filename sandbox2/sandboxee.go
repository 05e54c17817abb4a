package sandbox2

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Mode reports which role the current process was launched in, or an
// empty string when launched directly.
func Mode() string { return os.Getenv(EnvMode) }

// ControlComms opens the fork-server control channel inherited from the
// controller.
func ControlComms() (*Comms, error) {
	fd, err := fdFromEnv(EnvCtrlFd)
	if err != nil {
		return nil, err
	}
	return FileComms(os.NewFile(uintptr(fd), "ctrl"))
}

// SandboxeeSetup opens the worker's comms channel and reads the spawn
// configuration shipped by the fork-server. Rlimits from the
// configuration are applied before returning; the seccomp policy bytes
// are handed back for the caller to apply last, after all setup I/O.
func SandboxeeSetup() (*Comms, *SpawnRequest, error) {
	commsFd, err := fdFromEnv(EnvCommsFd)
	if err != nil {
		return nil, nil, err
	}
	setupFd, err := fdFromEnv(EnvSetupFd)
	if err != nil {
		return nil, nil, err
	}

	comms, err := FileComms(os.NewFile(uintptr(commsFd), "comms"))
	if err != nil {
		return nil, nil, err
	}

	setupFile := os.NewFile(uintptr(setupFd), "setup")
	data, err := io.ReadAll(setupFile)
	setupFile.Close()
	if err != nil {
		comms.Close()
		return nil, nil, fmt.Errorf("read spawn configuration: %w", err)
	}
	var req SpawnRequest
	if err := decodeControl(data, &req); err != nil {
		comms.Close()
		return nil, nil, err
	}

	if err := applyRlimits(&req); err != nil {
		comms.Close()
		return nil, nil, err
	}
	return comms, &req, nil
}

func applyRlimits(req *SpawnRequest) error {
	if req.RlimitCPU > 0 {
		lim := unix.Rlimit{Cur: req.RlimitCPU, Max: req.RlimitCPU}
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &lim); err != nil {
			return fmt.Errorf("set cpu rlimit: %w", err)
		}
	}
	if req.RlimitAS > 0 {
		lim := unix.Rlimit{Cur: req.RlimitAS, Max: req.RlimitAS}
		if err := unix.Setrlimit(unix.RLIMIT_AS, &lim); err != nil {
			return fmt.Errorf("set address-space rlimit: %w", err)
		}
	}
	return nil
}

func fdFromEnv(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return -1, fmt.Errorf("%s not set", key)
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return -1, fmt.Errorf("%s=%q is not a file descriptor", key, v)
	}
	return fd, nil
}
