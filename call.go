package sapi

import (
	"github.com/ccock/sandboxed-api/protocol"
	"github.com/ccock/sandboxed-api/status"
	"github.com/ccock/sandboxed-api/vars"
)

// Call invokes a library function in the worker. Arguments are packed
// into a single fixed-size frame; pointer arguments are allocated and
// synchronized according to their policy, before the call for SyncBefore
// and after the reply for SyncAfter. The return value lands in ret.
//
// A failing step short-circuits at the argument where it occurs and the
// sandbox stays Active; resetting is the transaction layer's call.
func (s *Sandbox) Call(name string, ret vars.Var, args ...vars.Var) error {
	if !s.IsActive() {
		return status.Errorf(status.Unavailable, "sandbox not active")
	}
	if ret == nil {
		return status.Errorf(status.InvalidArgument, "call %q: return variable required", name)
	}
	if len(args) > protocol.MaxArgs {
		return status.Errorf(status.InvalidArgument,
			"call %q: %d arguments exceed maximum %d", name, len(args), protocol.MaxArgs)
	}

	fc := &protocol.FuncCall{Func: name, Argc: uint32(len(args))}
	s.log.Debug("call entry", "func", name, "argc", len(args))

	for i, arg := range args {
		if arg == nil {
			return status.Errorf(status.InvalidArgument, "call %q: argument %d is nil", name, i)
		}
		fc.ArgSize[i] = arg.Size()
		fc.ArgType[i] = arg.Type()

		if p, ok := arg.(*vars.Ptr); ok {
			pointee := p.Pointee()
			if pointee.Type() == protocol.TypePointer {
				return status.Errorf(status.InvalidArgument,
					"call %q: argument %d is a pointer to a pointer", name, i)
			}
			fc.AuxType[i] = pointee.Type()
			fc.AuxSize[i] = pointee.Size()
			if err := s.synchronizePtrBefore(p); err != nil {
				return err
			}
		}

		if fd, ok := arg.(*vars.Fd); ok && fd.RemoteFd() < 0 {
			if err := vars.TransferToSandboxee(s.rpcCh, fd); err != nil {
				return err
			}
		}

		fc.Arg[i] = arg.ValueBits()
		s.log.Debug("call arg", "index", i,
			"type", arg.Type().String(), "size", arg.Size())
	}

	fc.RetType = ret.Type()
	fc.RetSize = ret.Size()

	fret, err := s.rpcCh.Call(fc)
	if err != nil {
		return err
	}
	ret.SetValueBits(fret.Val)

	if fret.Type == protocol.TypeFd {
		if err := vars.TransferFromSandboxee(s.rpcCh, ret); err != nil {
			return err
		}
	}

	for _, arg := range args {
		if err := s.synchronizePtrAfter(arg); err != nil {
			return err
		}
	}

	s.log.Debug("call exit", "func", name, "ret_type", ret.Type().String())
	return nil
}

// synchronizePtrBefore ensures a pointee is allocated remotely and, for
// SyncBefore policies, that the worker sees its current bytes. Allocation
// happens for any non-None policy so post-sync has somewhere to pull
// from; the transfer itself only runs when requested.
func (s *Sandbox) synchronizePtrBefore(p *vars.Ptr) error {
	if p.Sync() == vars.SyncNone {
		return nil
	}
	pointee := p.Pointee()

	// The zero-length buffer convention: no reservation, address zero,
	// nothing to move.
	if pointee.Size() == 0 && pointee.Remote() == 0 &&
		pointee.Type() == protocol.TypeLenVal {
		return nil
	}

	if pointee.Remote() == 0 {
		if err := s.Allocate(pointee, true); err != nil {
			return err
		}
	}
	if !p.Sync().Has(vars.SyncBefore) {
		return nil
	}
	s.log.Debug("sync to worker", "type", pointee.Type().String(),
		"size", pointee.Size(), "addr", uint64(pointee.Remote()))
	return vars.TransferToSandboxee(s.rpcCh, pointee)
}

// synchronizePtrAfter pulls a pointee's bytes back for SyncAfter
// policies. Running post-sync against a pointee that was never allocated
// is an error, except for the zero-length buffer convention.
func (s *Sandbox) synchronizePtrAfter(arg vars.Var) error {
	p, ok := arg.(*vars.Ptr)
	if !ok || !p.Sync().Has(vars.SyncAfter) {
		return nil
	}
	pointee := p.Pointee()
	if pointee.Size() == 0 && pointee.Remote() == 0 &&
		pointee.Type() == protocol.TypeLenVal {
		return nil
	}
	if pointee.Remote() == 0 {
		s.log.Error("post-call synchronization of an unallocated variable",
			"type", pointee.Type().String())
		return status.Errorf(status.FailedPrecondition,
			"cannot synchronize %v variable: not allocated in the worker", pointee.Type())
	}
	s.log.Debug("sync from worker", "type", pointee.Type().String(),
		"addr", uint64(pointee.Remote()))
	return vars.TransferFromSandboxee(s.rpcCh, pointee)
}
