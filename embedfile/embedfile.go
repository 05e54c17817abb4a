// Package embedfile materializes worker binaries shipped as byte blobs
// (typically via go:embed) into anonymous executable file descriptors.
package embedfile

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// File is an embedded binary. The zero value is invalid; both fields must
// be set.
type File struct {
	Name string
	Data []byte

	mu sync.Mutex
	fd int
	ok bool
}

// Fd returns a fresh descriptor for the blob, backed by a sealed memfd
// created on first use. The caller owns the returned descriptor.
func (f *File) Fd() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.ok {
		fd, err := f.materialize()
		if err != nil {
			return -1, err
		}
		f.fd = fd
		f.ok = true
	}
	dup, err := unix.Dup(f.fd)
	if err != nil {
		return -1, fmt.Errorf("dup embedded file %q: %w", f.Name, err)
	}
	unix.CloseOnExec(dup)
	return dup, nil
}

func (f *File) materialize() (int, error) {
	fd, err := unix.MemfdCreate(f.Name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("memfd for %q: %w", f.Name, err)
	}
	for off := 0; off < len(f.Data); {
		n, err := unix.Write(fd, f.Data[off:])
		if err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("write embedded file %q: %w", f.Name, err)
		}
		off += n
	}
	// Duplicates share this offset; rewind so readers start at the top.
	if _, err := unix.Seek(fd, 0, 0); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rewind embedded file %q: %w", f.Name, err)
	}
	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE | unix.F_SEAL_SEAL
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("seal embedded file %q: %w", f.Name, err)
	}
	return fd, nil
}

// Close releases the cached memfd. Descriptors already handed out stay
// valid.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok {
		return nil
	}
	f.ok = false
	return unix.Close(f.fd)
}
