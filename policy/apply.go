//go:build linux

package policy

import (
	"fmt"
	"io"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Apply enforces the policy on the calling process: tmpfs mounts are
// attempted first (best effort; they need a mount namespace set up by
// the launcher), then no-new-privs, then the seccomp filter. After this
// returns the process cannot undo the restriction.
func (p *Policy) Apply(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	for _, t := range p.Tmpfs {
		opts := fmt.Sprintf("size=%d", t.Size)
		if err := unix.Mount("tmpfs", t.Path, "tmpfs", 0, opts); err != nil {
			logger.Debug("tmpfs mount skipped", "path", t.Path, "error", err)
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}

	filter := make([]unix.SockFilter, len(p.prog))
	for i, in := range p.prog {
		filter[i] = unix.SockFilter{Code: in.Op, Jt: in.Jt, Jf: in.Jf, K: in.K}
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	if err := unix.Prctl(unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER,
		uintptr(unsafe.Pointer(&prog)), 0, 0); err != nil {
		return fmt.Errorf("install seccomp filter: %w", err)
	}
	logger.Debug("seccomp filter installed", "instructions", len(filter))
	return nil
}
