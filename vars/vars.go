// Package vars implements the typed variables passed across the sandbox
// boundary: local payloads with optional mirrored allocations in the
// worker, and pointer wrappers selecting when the two sides synchronize.
package vars

import (
	"log/slog"

	"github.com/ccock/sandboxed-api/protocol"
	"github.com/ccock/sandboxed-api/rpc"
	"github.com/ccock/sandboxed-api/status"
)

// RemoteAddr is an address in the worker's address space. It is an opaque
// integer, never a dereferenceable pointer on the controller side.
type RemoteAddr uint64

// SyncPolicy selects when a pointee's bytes cross the boundary.
type SyncPolicy int

const (
	SyncNone   SyncPolicy = 0
	SyncBefore SyncPolicy = 1
	SyncAfter  SyncPolicy = 2
	SyncBoth   SyncPolicy = SyncBefore | SyncAfter
)

// Has reports whether the policy includes the given direction.
func (s SyncPolicy) Has(dir SyncPolicy) bool { return s&dir != 0 }

func (s SyncPolicy) String() string {
	switch s {
	case SyncNone:
		return "none"
	case SyncBefore:
		return "before"
	case SyncAfter:
		return "after"
	case SyncBoth:
		return "both"
	default:
		return "invalid"
	}
}

// Var is a typed slot with a local payload and, once allocated, a
// matching reservation in the worker. The set of implementations is
// closed; the call engine relies on their wire behavior.
type Var interface {
	Type() protocol.VarType
	Size() uint64
	Remote() RemoteAddr
	SetRemote(RemoteAddr)
	AutoFree() bool

	// ValueBits is the inline value copied into a call frame; for return
	// variables SetValueBits receives the inline reply value.
	ValueBits() uint64
	SetValueBits(uint64)

	setAutoFree(bool)
	reserveSize() uint64
	transferTo(ch *rpc.Channel) error
	transferFrom(ch *rpc.Channel) error
}

// base carries the remote bookkeeping shared by every variable.
type base struct {
	remote RemoteAddr
	auto   bool
}

func (b *base) Remote() RemoteAddr     { return b.remote }
func (b *base) SetRemote(a RemoteAddr) { b.remote = a }
func (b *base) AutoFree() bool         { return b.auto }
func (b *base) setAutoFree(v bool)     { b.auto = v }

// Allocate reserves the variable's storage in the worker. The variable
// must not already be allocated.
func Allocate(ch *rpc.Channel, v Var, autoFree bool) error {
	if v.Remote() != 0 {
		return status.Errorf(status.FailedPrecondition,
			"%v variable already allocated at %#x", v.Type(), uint64(v.Remote()))
	}
	addr, err := ch.Allocate(v.reserveSize())
	if err != nil {
		return err
	}
	v.SetRemote(RemoteAddr(addr))
	v.setAutoFree(autoFree)
	return nil
}

// Free releases the variable's worker reservation and clears the remote
// address.
func Free(ch *rpc.Channel, v Var) error {
	if v.Remote() == 0 {
		return status.Errorf(status.FailedPrecondition,
			"%v variable is not allocated in the worker", v.Type())
	}
	if err := ch.Free(uint64(v.Remote())); err != nil {
		return err
	}
	v.SetRemote(0)
	v.setAutoFree(false)
	return nil
}

// TransferToSandboxee pushes the variable's local bytes to the worker.
func TransferToSandboxee(ch *rpc.Channel, v Var) error {
	return v.transferTo(ch)
}

// TransferFromSandboxee pulls the worker's bytes into the local payload.
func TransferFromSandboxee(ch *rpc.Channel, v Var) error {
	return v.transferFrom(ch)
}

// Release is the destruction path for auto-freed variables: free while
// the sandbox is alive, log on failure, never raise.
func Release(ch *rpc.Channel, v Var, logger *slog.Logger) {
	if !v.AutoFree() || v.Remote() == 0 {
		return
	}
	if err := Free(ch, v); err != nil && logger != nil {
		logger.Warn("freeing remote variable failed",
			"type", v.Type().String(), "addr", uint64(v.Remote()), "error", err)
	}
}

// requireRemote is the shared transfer precondition for address-backed
// variables.
func requireRemote(v Var) error {
	if v.Remote() == 0 {
		return status.Errorf(status.FailedPrecondition,
			"%v variable is not allocated in the worker", v.Type())
	}
	return nil
}
