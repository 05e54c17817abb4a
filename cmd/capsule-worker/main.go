// The capsule-worker binary plays both sandbox roles: launched by the
// controller it serves as the fork-server, and re-execed by the
// fork-server it becomes a sandboxee, applies its seccomp policy and
// services calls against the built-in string-operation library.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ccock/sandboxed-api/internal/stub"
	"github.com/ccock/sandboxed-api/policy"
	"github.com/ccock/sandboxed-api/sandbox2"
)

func main() {
	logger := newLogger()

	switch sandbox2.Mode() {
	case sandbox2.ModeForkSrv:
		runForkServer(logger)
	case sandbox2.ModeWorker:
		runSandboxee(logger)
	default:
		fmt.Fprintln(os.Stderr, "capsule-worker is launched by a sandbox controller, not directly")
		os.Exit(2)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("CAPSULE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runForkServer(logger *slog.Logger) {
	ctrl, err := sandbox2.ControlComms()
	if err != nil {
		logger.Error("open control channel", "error", err)
		os.Exit(1)
	}
	if err := sandbox2.ServeForkServer(ctrl, logger); err != nil {
		logger.Error("fork-server failed", "error", err)
		os.Exit(1)
	}
}

func runSandboxee(logger *slog.Logger) {
	comms, req, err := sandbox2.SandboxeeSetup()
	if err != nil {
		logger.Error("sandboxee setup", "error", err)
		os.Exit(1)
	}

	reg := stub.NewRegistry()
	stub.RegisterStringOps(reg)
	srv := stub.NewServer(comms, reg, nil, logger)

	// The policy goes on last, after all setup I/O; from here on the
	// kernel enforces the allowlist.
	pol, err := policy.Deserialize(req.Policy)
	if err != nil {
		logger.Error("decode policy", "error", err)
		os.Exit(1)
	}
	if err := pol.Apply(logger); err != nil {
		logger.Error("apply policy", "error", err)
		os.Exit(1)
	}

	if err := srv.Serve(); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
