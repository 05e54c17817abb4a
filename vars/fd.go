package vars

import (
	"golang.org/x/sys/unix"

	"github.com/ccock/sandboxed-api/protocol"
	"github.com/ccock/sandboxed-api/rpc"
	"github.com/ccock/sandboxed-api/status"
)

// Fd is a file descriptor handle: the controller-side descriptor plus the
// worker-side number once transferred. The descriptor itself crosses the
// boundary as ancillary data, not as payload bytes.
type Fd struct {
	base
	local  int
	remote int
}

func NewFd(fd int) *Fd { return &Fd{local: fd, remote: -1} }

func (f *Fd) Type() protocol.VarType { return protocol.TypeFd }
func (f *Fd) Size() uint64           { return 4 }

// LocalFd is the controller-side descriptor, -1 when unset.
func (f *Fd) LocalFd() int { return f.local }

// RemoteFd is the worker-side descriptor number, -1 before transfer.
func (f *Fd) RemoteFd() int { return f.remote }

func (f *Fd) ValueBits() uint64     { return uint64(uint32(f.remote)) }
func (f *Fd) SetValueBits(b uint64) { f.remote = int(int32(uint32(b))) }

func (f *Fd) reserveSize() uint64 { return f.Size() }

// transferTo ships the controller descriptor to the worker and records
// the worker-side number.
func (f *Fd) transferTo(ch *rpc.Channel) error {
	if f.local < 0 {
		return status.Errorf(status.FailedPrecondition, "fd variable has no local descriptor")
	}
	remote, err := ch.SendFd(f.local)
	if err != nil {
		return err
	}
	f.remote = remote
	return nil
}

// transferFrom pulls the worker-side descriptor back into the controller.
func (f *Fd) transferFrom(ch *rpc.Channel) error {
	if f.remote < 0 {
		return status.Errorf(status.FailedPrecondition, "fd variable has no worker descriptor")
	}
	local, err := ch.RecvFd(f.remote)
	if err != nil {
		return err
	}
	if f.local >= 0 {
		unix.Close(f.local)
	}
	f.local = local
	return nil
}

// Close releases the controller-side descriptor. The worker's copy stays
// open until the worker exits; Free does not apply to Fd variables, which
// hold no worker allocation.
func (f *Fd) Close() error {
	if f.local < 0 {
		return nil
	}
	err := unix.Close(f.local)
	f.local = -1
	return err
}
