// Package sapi lets a trusted supervisor call functions inside an
// untrusted library running in a sandboxed worker process, with typed
// arguments and on-demand memory synchronization across the boundary.
package sapi

import (
	"io"
	"log/slog"

	"github.com/ccock/sandboxed-api/embedfile"
	"github.com/ccock/sandboxed-api/policy"
	"github.com/ccock/sandboxed-api/sandbox2"
)

// Options configures a Sandbox. LibPath or Embed must be set; everything
// else defaults to no-ops.
type Options struct {
	// LibPath locates the worker binary hosting the library. Relative
	// paths are resolved against the data-dependency root named by
	// EnvDataDir, or against the working directory when that is unset.
	LibPath string

	// Embed, when set, wins over LibPath: the worker binary ships as
	// bytes and runs from an anonymous fd.
	Embed *embedfile.File

	// ExtraArgs follow the library path in the worker's argv.
	ExtraArgs []string

	// ExtraEnvs are appended to the worker's environment.
	ExtraEnvs []string

	// PolicyFile optionally extends the default policy from a YAML file.
	PolicyFile string

	// ModifyPolicy mutates the default policy before it is built.
	ModifyPolicy func(*policy.Builder)

	// ModifyExecutor mutates the spawn configuration (cwd, limits) of
	// each worker.
	ModifyExecutor func(*sandbox2.SpawnRequest)

	// Logger receives lifecycle and per-call diagnostics. Nil discards.
	Logger *slog.Logger
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
