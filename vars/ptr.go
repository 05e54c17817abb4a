package vars

import (
	"github.com/ccock/sandboxed-api/protocol"
	"github.com/ccock/sandboxed-api/rpc"
	"github.com/ccock/sandboxed-api/status"
)

// Ptr wraps a pointee variable with a synchronization policy. The pointee
// is borrowed: the pointer drives remote allocation on its behalf but
// never owns its payload. Pointers to pointers cannot cross the boundary.
type Ptr struct {
	base
	pointee Var
	sync    SyncPolicy
}

func NewPtr(v Var, sync SyncPolicy) *Ptr { return &Ptr{pointee: v, sync: sync} }

// PtrNone passes the pointee's address without any synchronization; if
// the pointee was never allocated, the callee sees address zero and is
// responsible for its own allocation.
func PtrNone(v Var) *Ptr { return NewPtr(v, SyncNone) }

// PtrBefore pushes the pointee's bytes to the worker before the call.
func PtrBefore(v Var) *Ptr { return NewPtr(v, SyncBefore) }

// PtrAfter pulls the pointee's bytes back after the call.
func PtrAfter(v Var) *Ptr { return NewPtr(v, SyncAfter) }

// PtrBoth synchronizes in both directions.
func PtrBoth(v Var) *Ptr { return NewPtr(v, SyncBoth) }

func (p *Ptr) Type() protocol.VarType { return protocol.TypePointer }
func (p *Ptr) Size() uint64           { return 8 }

func (p *Ptr) Pointee() Var     { return p.pointee }
func (p *Ptr) Sync() SyncPolicy { return p.sync }

// ValueBits is the pointee's remote address, zero when unallocated.
func (p *Ptr) ValueBits() uint64     { return uint64(p.pointee.Remote()) }
func (p *Ptr) SetValueBits(b uint64) {}

func (p *Ptr) reserveSize() uint64 { return p.Size() }

func (p *Ptr) transferTo(ch *rpc.Channel) error {
	return status.Errorf(status.FailedPrecondition, "pointer variables are not transferable")
}

func (p *Ptr) transferFrom(ch *rpc.Channel) error {
	return status.Errorf(status.FailedPrecondition, "pointer variables are not transferable")
}
