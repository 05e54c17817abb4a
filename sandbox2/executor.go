package sandbox2

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Environment variables wiring a spawned binary into its role. The
// fork-server inherits the control channel on fd 3; each sandboxee
// inherits its comms channel on fd 3 and its spawn configuration on fd 4.
const (
	EnvMode     = "CAPSULE_MODE"
	EnvCtrlFd   = "CAPSULE_CTRL_FD"
	EnvCommsFd  = "CAPSULE_COMMS_FD"
	EnvSetupFd  = "CAPSULE_SETUP_FD"
	ModeForkSrv = "forkserver"
	ModeWorker  = "sandboxee"

	inheritedFdStart = 3
)

// Executor describes how to launch the worker binary that hosts the
// sandboxed library. The binary comes either from a filesystem path or
// from an already-open executable fd (an embedded blob).
type Executor struct {
	Path   string
	ExecFd int
	Args   []string
	Envs   []string
}

// NewExecutor launches from a filesystem path. args[0] is conventionally
// the library path.
func NewExecutor(path string, args, envs []string) *Executor {
	return &Executor{Path: path, ExecFd: -1, Args: args, Envs: envs}
}

// NewExecutorFD launches from an executable fd (memfd).
func NewExecutorFD(fd int, args, envs []string) *Executor {
	return &Executor{ExecFd: fd, Args: args, Envs: envs}
}

// StartForkServer launches the binary in fork-server mode and returns a
// client for spawning workers from it.
func (e *Executor) StartForkServer() (*ForkClient, error) {
	ctrl, childFile, err := socketpairFiles()
	if err != nil {
		return nil, err
	}

	extraFiles := []*os.File{childFile}
	path := e.Path
	if e.ExecFd >= 0 {
		execFile := os.NewFile(uintptr(e.ExecFd), "embedded-lib")
		extraFiles = append(extraFiles, execFile)
		path = fmt.Sprintf("/proc/self/fd/%d", inheritedFdStart+len(extraFiles)-1)
	}

	cmd := exec.Command(path)
	cmd.Args = e.Args
	cmd.Env = append(append([]string{}, e.Envs...),
		EnvMode+"="+ModeForkSrv,
		fmt.Sprintf("%s=%d", EnvCtrlFd, inheritedFdStart),
	)
	cmd.ExtraFiles = extraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		childFile.Close()
		ctrl.Close()
		return nil, fmt.Errorf("start fork-server: %w", err)
	}
	childFile.Close()

	return &ForkClient{cmd: cmd, ctrl: ctrl}, nil
}

// socketpairFiles returns one end wrapped as Comms and the other as an
// inheritable *os.File.
func socketpairFiles() (*Comms, *os.File, error) {
	ours, theirs, err := rawSocketpair()
	if err != nil {
		return nil, nil, err
	}
	c, err := FileComms(ours)
	if err != nil {
		theirs.Close()
		return nil, nil, err
	}
	return c, theirs, nil
}
