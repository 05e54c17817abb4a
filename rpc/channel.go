// Package rpc implements the typed request/response channel the
// controller uses to drive a worker. All exchanges are strictly
// sequential; a mutex guards the underlying transport so a misbehaving
// caller cannot interleave frames.
package rpc

import (
	"sync"

	"github.com/ccock/sandboxed-api/protocol"
	"github.com/ccock/sandboxed-api/sandbox2"
	"github.com/ccock/sandboxed-api/status"
)

// Channel wraps the worker comms with typed helpers. One request is in
// flight at a time; replies must carry the matching reply kind.
type Channel struct {
	mu    sync.Mutex
	comms *sandbox2.Comms
}

func NewChannel(comms *sandbox2.Comms) *Channel {
	return &Channel{comms: comms}
}

// exchange sends one request frame and reads its reply, translating
// worker-reported errors and kind mismatches.
func (c *Channel) exchange(kind protocol.MsgKind, payload []byte) ([]byte, error) {
	if err := c.comms.Send(kind, payload); err != nil {
		return nil, status.Wrapf(status.Unavailable, err, "send %v", kind)
	}
	replyKind, replyPayload, err := c.comms.Recv()
	if err != nil {
		return nil, status.Wrapf(status.Unavailable, err, "receive %v reply", kind)
	}
	return checkReply(kind, replyKind, replyPayload)
}

func checkReply(req, got protocol.MsgKind, payload []byte) ([]byte, error) {
	if got == protocol.MsgError.Reply() || got == protocol.MsgError {
		frame, err := protocol.DecodeErrorFrame(payload)
		if err != nil {
			return nil, status.Wrapf(status.Internal, err, "malformed error reply to %v", req)
		}
		return nil, status.Errorf(status.Code(frame.Code), "worker: %s", frame.Msg)
	}
	if got != req.Reply() {
		return nil, status.Errorf(status.Internal, "reply kind %v does not match request %v", got, req)
	}
	return payload, nil
}

// Call issues a function call and checks the returned type against the
// request's declared return type.
func (c *Channel) Call(fc *protocol.FuncCall) (*protocol.FuncRet, error) {
	payload, err := fc.Encode()
	if err != nil {
		return nil, status.Wrapf(status.InvalidArgument, err, "encode call %q", fc.Func)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	replyPayload, err := c.exchange(protocol.MsgCall, payload)
	if err != nil {
		return nil, err
	}
	ret, err := protocol.DecodeFuncRet(replyPayload)
	if err != nil {
		return nil, status.Wrapf(status.Internal, err, "decode return of %q", fc.Func)
	}
	if ret.Type != fc.RetType {
		return nil, status.Errorf(status.Internal,
			"call %q returned type %v, want %v", fc.Func, ret.Type, fc.RetType)
	}
	return ret, nil
}

// Allocate reserves size bytes in the worker and returns the address.
func (c *Channel) Allocate(size uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	replyPayload, err := c.exchange(protocol.MsgAllocate, protocol.EncodeU64(size))
	if err != nil {
		return 0, err
	}
	addr, err := protocol.DecodeU64(replyPayload)
	if err != nil {
		return 0, status.Wrapf(status.Internal, err, "decode allocate reply")
	}
	if addr == 0 {
		return 0, status.Errorf(status.ResourceExhausted, "worker could not allocate %d bytes", size)
	}
	return addr, nil
}

// Free releases a worker allocation. Freeing address zero is a no-op.
func (c *Channel) Free(addr uint64) error {
	if addr == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.exchange(protocol.MsgFree, protocol.EncodeU64(addr))
	return err
}

// Symbol resolves a dynamic symbol inside the worker.
func (c *Channel) Symbol(name string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	replyPayload, err := c.exchange(protocol.MsgSymbol, append([]byte(name), 0))
	if err != nil {
		return 0, err
	}
	addr, err := protocol.DecodeU64(replyPayload)
	if err != nil {
		return 0, status.Wrapf(status.Internal, err, "decode symbol reply")
	}
	return addr, nil
}

// TransferTo pushes data to addr in the worker, chunking as the transport
// requires. Either every byte lands or an error is returned.
func (c *Channel) TransferTo(addr uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	for off := 0; off < len(data); {
		n := len(data) - off
		if n > protocol.MaxChunk {
			n = protocol.MaxChunk
		}
		region := protocol.Region{Addr: addr + uint64(off), Size: uint64(n)}
		payload := append(region.Encode(), data[off:off+n]...)
		if _, err := c.exchange(protocol.MsgTransferTo, payload); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// TransferFrom pulls size bytes from addr in the worker.
func (c *Channel) TransferFrom(addr, size uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferFromLocked(addr, size)
}

func (c *Channel) transferFromLocked(addr, size uint64) ([]byte, error) {
	data := make([]byte, 0, size)
	for off := uint64(0); off < size; {
		n := size - off
		if n > protocol.MaxChunk {
			n = protocol.MaxChunk
		}
		region := protocol.Region{Addr: addr + off, Size: n}
		replyPayload, err := c.exchange(protocol.MsgTransferFrom, region.Encode())
		if err != nil {
			return nil, err
		}
		if len(replyPayload) < protocol.RegionSize {
			return nil, status.Errorf(status.Internal, "short transfer reply: %d bytes", len(replyPayload))
		}
		got, err := protocol.DecodeRegion(replyPayload)
		if err != nil {
			return nil, status.Wrapf(status.Internal, err, "decode transfer reply")
		}
		chunk := replyPayload[protocol.RegionSize:]
		if got.Size != uint64(len(chunk)) || got.Size != n {
			return nil, status.Errorf(status.Internal,
				"transfer reply carries %d bytes, want %d", len(chunk), n)
		}
		data = append(data, chunk...)
		off += n
	}
	return data, nil
}

// SendFd ships a controller fd to the worker and returns the worker-side
// descriptor number.
func (c *Channel) SendFd(fd int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.comms.SendFD(protocol.MsgSendFd, nil, fd); err != nil {
		return -1, status.Wrapf(status.Unavailable, err, "send fd")
	}
	replyKind, replyPayload, err := c.comms.Recv()
	if err != nil {
		return -1, status.Wrapf(status.Unavailable, err, "receive fd reply")
	}
	payload, err := checkReply(protocol.MsgSendFd, replyKind, replyPayload)
	if err != nil {
		return -1, err
	}
	remote, err := protocol.DecodeU64(payload)
	if err != nil {
		return -1, status.Wrapf(status.Internal, err, "decode fd reply")
	}
	return int(remote), nil
}

// RecvFd pulls a worker fd back into the controller. The returned
// descriptor is owned by the caller.
func (c *Channel) RecvFd(remoteFd int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.comms.Send(protocol.MsgRecvFd, protocol.EncodeU64(uint64(remoteFd))); err != nil {
		return -1, status.Wrapf(status.Unavailable, err, "request fd")
	}
	replyKind, _, fd, err := c.comms.RecvFD()
	if err != nil {
		return -1, status.Wrapf(status.Unavailable, err, "receive fd")
	}
	if replyKind != protocol.MsgRecvFd.Reply() {
		return -1, status.Errorf(status.Internal, "fd reply kind %v", replyKind)
	}
	return fd, nil
}

// Exit politely asks the worker to terminate. No reply is expected; the
// worker exits as soon as it has drained the frame.
func (c *Channel) Exit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.comms.Send(protocol.MsgExit, nil); err != nil {
		return status.Wrapf(status.Unavailable, err, "send exit")
	}
	return nil
}
