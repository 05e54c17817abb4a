package vars

import (
	"encoding/binary"

	"github.com/ccock/sandboxed-api/protocol"
	"github.com/ccock/sandboxed-api/rpc"
	"github.com/ccock/sandboxed-api/status"
)

// maxLenValContent guards against a hostile worker reporting an absurd
// content length during synchronization.
const maxLenValContent = 1 << 30

// LenVal is a length-prefixed byte buffer. In the worker it is laid out
// as a u64 length header followed by the content; library functions may
// grow the buffer, and the new length is picked up on the next pull.
type LenVal struct {
	base
	data []byte
}

// NewLenVal copies data into a fresh buffer. A nil or empty slice yields
// the legal zero-length value (never allocated, remote address zero).
func NewLenVal(data []byte) *LenVal {
	return &LenVal{data: append([]byte{}, data...)}
}

func (l *LenVal) Type() protocol.VarType { return protocol.TypeLenVal }

// Size is the current content length, excluding the length header.
func (l *LenVal) Size() uint64 { return uint64(len(l.data)) }

func (l *LenVal) Data() []byte { return l.data }

func (l *LenVal) ValueBits() uint64     { return uint64(l.remote) }
func (l *LenVal) SetValueBits(b uint64) {}

func (l *LenVal) reserveSize() uint64 { return protocol.LenValHeader + l.Size() }

func (l *LenVal) transferTo(ch *rpc.Channel) error {
	if err := requireRemote(l); err != nil {
		return err
	}
	buf := make([]byte, protocol.LenValHeader+len(l.data))
	binary.LittleEndian.PutUint64(buf, uint64(len(l.data)))
	copy(buf[protocol.LenValHeader:], l.data)
	return ch.TransferTo(uint64(l.remote), buf)
}

func (l *LenVal) transferFrom(ch *rpc.Channel) error {
	if err := requireRemote(l); err != nil {
		return err
	}
	hdr, err := ch.TransferFrom(uint64(l.remote), protocol.LenValHeader)
	if err != nil {
		return err
	}
	n := binary.LittleEndian.Uint64(hdr)
	if n > maxLenValContent {
		return status.Errorf(status.Internal, "worker reports %d content bytes", n)
	}
	if n == 0 {
		l.data = nil
		return nil
	}
	content, err := ch.TransferFrom(uint64(l.remote)+protocol.LenValHeader, n)
	if err != nil {
		return err
	}
	l.data = content
	return nil
}

// Resize changes the buffer to n bytes, keeping min(old, n) leading bytes
// and moving the worker reservation accordingly. On any failure the
// variable is left exactly as before the call.
func (l *LenVal) Resize(ch *rpc.Channel, n uint64) error {
	if n > maxLenValContent {
		return status.Errorf(status.InvalidArgument, "resize to %d bytes exceeds limit", n)
	}
	newData := make([]byte, n)
	copy(newData, l.data)

	if l.remote == 0 {
		l.data = newData
		return nil
	}

	// The new block is populated before the old one is released, so a
	// failure at any RPC leaves the original reservation and local
	// content intact.
	newAddr, err := ch.Allocate(protocol.LenValHeader + n)
	if err != nil {
		return err
	}
	buf := make([]byte, protocol.LenValHeader+n)
	binary.LittleEndian.PutUint64(buf, n)
	copy(buf[protocol.LenValHeader:], newData)
	if err := ch.TransferTo(newAddr, buf); err != nil {
		_ = ch.Free(newAddr)
		return err
	}
	if err := ch.Free(uint64(l.remote)); err != nil {
		_ = ch.Free(newAddr)
		return err
	}

	l.remote = RemoteAddr(newAddr)
	l.data = newData
	return nil
}
