// Package protocol defines the fixed-layout binary messages exchanged
// between the controller and the worker stub inside the sandbox. All
// fields are little-endian and fixed-width.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// MsgKind tags every frame on the channel. Replies carry the request kind
// with the reply bit set.
type MsgKind uint32

const (
	MsgCall MsgKind = iota + 1
	MsgAllocate
	MsgFree
	MsgTransferTo
	MsgTransferFrom
	MsgSymbol
	MsgSendFd
	MsgRecvFd
	MsgExit

	// MsgError is a reply-only kind carrying a status code and message.
	MsgError MsgKind = 0xff
)

// ReplyBit marks a frame as the response to the matching request kind.
const ReplyBit MsgKind = 0x100

func (k MsgKind) Reply() MsgKind { return k | ReplyBit }

func (k MsgKind) IsReply() bool { return k&ReplyBit != 0 }

func (k MsgKind) String() string {
	base := k &^ ReplyBit
	var s string
	switch base {
	case MsgCall:
		s = "call"
	case MsgAllocate:
		s = "allocate"
	case MsgFree:
		s = "free"
	case MsgTransferTo:
		s = "transfer_to"
	case MsgTransferFrom:
		s = "transfer_from"
	case MsgSymbol:
		s = "symbol"
	case MsgSendFd:
		s = "send_fd"
	case MsgRecvFd:
		s = "recv_fd"
	case MsgExit:
		s = "exit"
	case MsgError:
		s = "error"
	default:
		return fmt.Sprintf("kind(%#x)", uint32(k))
	}
	if k.IsReply() {
		return s + "_reply"
	}
	return s
}

// VarType identifies the payload shape of a variable.
type VarType uint32

const (
	TypeVoid VarType = iota
	TypeInt
	TypeFloat
	TypePointer
	TypeFd
	TypeStruct
	TypeLenVal
	TypeProto
)

func (t VarType) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypePointer:
		return "pointer"
	case TypeFd:
		return "fd"
	case TypeStruct:
		return "struct"
	case TypeLenVal:
		return "lenval"
	case TypeProto:
		return "proto"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

const (
	// MaxArgs bounds the per-call argument arrays.
	MaxArgs = 12

	// FuncNameLen is the NUL-padded function name capacity.
	FuncNameLen = 128

	// MaxChunk caps the data carried by a single transfer frame. Larger
	// transfers are split across frames.
	MaxChunk = 1 << 20

	// HeaderSize is the encoded size of a frame header.
	HeaderSize = 8

	// LenValHeader is the length prefix preceding LenVal content in the
	// worker's memory.
	LenValHeader = 8
)

// Header precedes every frame: {kind u32, payload size u32}.
type Header struct {
	Kind        MsgKind
	PayloadSize uint32
}

func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(h.Kind))
	binary.LittleEndian.PutUint32(buf[4:], h.PayloadSize)
	return buf
}

func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("short header: %d bytes", len(buf))
	}
	return Header{
		Kind:        MsgKind(binary.LittleEndian.Uint32(buf[0:])),
		PayloadSize: binary.LittleEndian.Uint32(buf[4:]),
	}, nil
}

// FuncCall is the fixed-size call frame. Integer and float arguments are
// inlined in Arg; pointer arguments carry the remote address there, with
// the pointee described by the aux arrays.
type FuncCall struct {
	Func    string
	Argc    uint32
	ArgType [MaxArgs]VarType
	ArgSize [MaxArgs]uint64
	AuxType [MaxArgs]VarType
	AuxSize [MaxArgs]uint64
	Arg     [MaxArgs]uint64
	RetType VarType
	RetSize uint64
}

// FuncCallSize is the encoded size of a FuncCall payload.
const FuncCallSize = FuncNameLen + 8 + MaxArgs*(4+8+4+8+8) + 16

func (c *FuncCall) Encode() ([]byte, error) {
	if len(c.Func) >= FuncNameLen {
		return nil, fmt.Errorf("function name too long: %d bytes (max %d)", len(c.Func), FuncNameLen-1)
	}
	if c.Argc > MaxArgs {
		return nil, fmt.Errorf("argument count %d exceeds maximum %d", c.Argc, MaxArgs)
	}
	buf := make([]byte, FuncCallSize)
	copy(buf, c.Func)
	off := FuncNameLen
	binary.LittleEndian.PutUint32(buf[off:], c.Argc)
	off += 8 // 4 bytes padding after argc
	for i := 0; i < MaxArgs; i++ {
		binary.LittleEndian.PutUint32(buf[off+4*i:], uint32(c.ArgType[i]))
	}
	off += MaxArgs * 4
	for i := 0; i < MaxArgs; i++ {
		binary.LittleEndian.PutUint64(buf[off+8*i:], c.ArgSize[i])
	}
	off += MaxArgs * 8
	for i := 0; i < MaxArgs; i++ {
		binary.LittleEndian.PutUint32(buf[off+4*i:], uint32(c.AuxType[i]))
	}
	off += MaxArgs * 4
	for i := 0; i < MaxArgs; i++ {
		binary.LittleEndian.PutUint64(buf[off+8*i:], c.AuxSize[i])
	}
	off += MaxArgs * 8
	for i := 0; i < MaxArgs; i++ {
		binary.LittleEndian.PutUint64(buf[off+8*i:], c.Arg[i])
	}
	off += MaxArgs * 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.RetType))
	binary.LittleEndian.PutUint64(buf[off+8:], c.RetSize)
	return buf, nil
}

func DecodeFuncCall(buf []byte) (*FuncCall, error) {
	if len(buf) != FuncCallSize {
		return nil, fmt.Errorf("call frame is %d bytes, want %d", len(buf), FuncCallSize)
	}
	c := &FuncCall{}
	name := buf[:FuncNameLen]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}
	c.Func = string(name)
	off := FuncNameLen
	c.Argc = binary.LittleEndian.Uint32(buf[off:])
	if c.Argc > MaxArgs {
		return nil, fmt.Errorf("argument count %d exceeds maximum %d", c.Argc, MaxArgs)
	}
	off += 8
	for i := 0; i < MaxArgs; i++ {
		c.ArgType[i] = VarType(binary.LittleEndian.Uint32(buf[off+4*i:]))
	}
	off += MaxArgs * 4
	for i := 0; i < MaxArgs; i++ {
		c.ArgSize[i] = binary.LittleEndian.Uint64(buf[off+8*i:])
	}
	off += MaxArgs * 8
	for i := 0; i < MaxArgs; i++ {
		c.AuxType[i] = VarType(binary.LittleEndian.Uint32(buf[off+4*i:]))
	}
	off += MaxArgs * 4
	for i := 0; i < MaxArgs; i++ {
		c.AuxSize[i] = binary.LittleEndian.Uint64(buf[off+8*i:])
	}
	off += MaxArgs * 8
	for i := 0; i < MaxArgs; i++ {
		c.Arg[i] = binary.LittleEndian.Uint64(buf[off+8*i:])
	}
	off += MaxArgs * 8
	c.RetType = VarType(binary.LittleEndian.Uint32(buf[off:]))
	c.RetSize = binary.LittleEndian.Uint64(buf[off+8:])
	return c, nil
}

// FuncRet is the fixed-size return frame: {type u32, pad u32, value u64}.
type FuncRet struct {
	Type VarType
	Val  uint64
}

const FuncRetSize = 16

func (r *FuncRet) Encode() []byte {
	buf := make([]byte, FuncRetSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(r.Type))
	binary.LittleEndian.PutUint64(buf[8:], r.Val)
	return buf
}

func DecodeFuncRet(buf []byte) (*FuncRet, error) {
	if len(buf) != FuncRetSize {
		return nil, fmt.Errorf("return frame is %d bytes, want %d", len(buf), FuncRetSize)
	}
	return &FuncRet{
		Type: VarType(binary.LittleEndian.Uint32(buf[0:])),
		Val:  binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}

// Region addresses a byte range in the worker: {addr u64, size u64}.
// Transfer frames carry a Region followed by the bytes in flight.
type Region struct {
	Addr uint64
	Size uint64
}

const RegionSize = 16

func (t Region) Encode() []byte {
	buf := make([]byte, RegionSize)
	binary.LittleEndian.PutUint64(buf[0:], t.Addr)
	binary.LittleEndian.PutUint64(buf[8:], t.Size)
	return buf
}

func DecodeRegion(buf []byte) (Region, error) {
	if len(buf) < RegionSize {
		return Region{}, fmt.Errorf("short region: %d bytes", len(buf))
	}
	return Region{
		Addr: binary.LittleEndian.Uint64(buf[0:]),
		Size: binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}

// EncodeU64 and DecodeU64 cover the single-word payloads used by the
// allocate, free, symbol and fd exchanges.
func EncodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func DecodeU64(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, fmt.Errorf("payload is %d bytes, want 8", len(buf))
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// ErrorFrame is the payload of a MsgError reply: {code u32} plus message.
type ErrorFrame struct {
	Code uint32
	Msg  string
}

func (e ErrorFrame) Encode() []byte {
	buf := make([]byte, 4+len(e.Msg))
	binary.LittleEndian.PutUint32(buf, e.Code)
	copy(buf[4:], e.Msg)
	return buf
}

func DecodeErrorFrame(buf []byte) (ErrorFrame, error) {
	if len(buf) < 4 {
		return ErrorFrame{}, fmt.Errorf("short error frame: %d bytes", len(buf))
	}
	return ErrorFrame{
		Code: binary.LittleEndian.Uint32(buf),
		Msg:  string(buf[4:]),
	}, nil
}
