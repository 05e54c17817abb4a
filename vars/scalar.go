package vars

import (
	"encoding/binary"
	"math"

	"github.com/ccock/sandboxed-api/protocol"
	"github.com/ccock/sandboxed-api/rpc"
)

// Int is a 64-bit integer passed by value, or by pointer when wrapped.
type Int struct {
	base
	v int64
}

func NewInt(v int64) *Int { return &Int{v: v} }

func (i *Int) Type() protocol.VarType { return protocol.TypeInt }
func (i *Int) Size() uint64           { return 8 }
func (i *Int) Value() int64           { return i.v }
func (i *Int) SetValue(v int64)       { i.v = v }
func (i *Int) ValueBits() uint64      { return uint64(i.v) }
func (i *Int) SetValueBits(b uint64)  { i.v = int64(b) }
func (i *Int) reserveSize() uint64    { return i.Size() }

func (i *Int) transferTo(ch *rpc.Channel) error {
	if err := requireRemote(i); err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(i.v))
	return ch.TransferTo(uint64(i.remote), buf)
}

func (i *Int) transferFrom(ch *rpc.Channel) error {
	if err := requireRemote(i); err != nil {
		return err
	}
	buf, err := ch.TransferFrom(uint64(i.remote), 8)
	if err != nil {
		return err
	}
	i.v = int64(binary.LittleEndian.Uint64(buf))
	return nil
}

// Float64 is a double passed by value, carried as raw IEEE-754 bits in
// the call frame.
type Float64 struct {
	base
	v float64
}

func NewFloat64(v float64) *Float64 { return &Float64{v: v} }

func (f *Float64) Type() protocol.VarType { return protocol.TypeFloat }
func (f *Float64) Size() uint64           { return 8 }
func (f *Float64) Value() float64         { return f.v }
func (f *Float64) SetValue(v float64)     { f.v = v }
func (f *Float64) ValueBits() uint64      { return math.Float64bits(f.v) }
func (f *Float64) SetValueBits(b uint64)  { f.v = math.Float64frombits(b) }
func (f *Float64) reserveSize() uint64    { return f.Size() }

func (f *Float64) transferTo(ch *rpc.Channel) error {
	if err := requireRemote(f); err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f.v))
	return ch.TransferTo(uint64(f.remote), buf)
}

func (f *Float64) transferFrom(ch *rpc.Channel) error {
	if err := requireRemote(f); err != nil {
		return err
	}
	buf, err := ch.TransferFrom(uint64(f.remote), 8)
	if err != nil {
		return err
	}
	f.v = math.Float64frombits(binary.LittleEndian.Uint64(buf))
	return nil
}

// Struct is an opaque fixed-size byte payload, typically produced with
// encoding/binary from a Go struct mirroring the library's layout.
type Struct struct {
	base
	data []byte
}

func NewStruct(data []byte) *Struct {
	return &Struct{data: append([]byte{}, data...)}
}

func (s *Struct) Type() protocol.VarType { return protocol.TypeStruct }
func (s *Struct) Size() uint64           { return uint64(len(s.data)) }
func (s *Struct) Data() []byte           { return s.data }
func (s *Struct) reserveSize() uint64    { return s.Size() }

// ValueBits exposes the leading bytes for by-value passing of small
// structs; larger structs travel by pointer.
func (s *Struct) ValueBits() uint64 {
	var buf [8]byte
	copy(buf[:], s.data)
	return binary.LittleEndian.Uint64(buf[:])
}

func (s *Struct) SetValueBits(b uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], b)
	copy(s.data, buf[:])
}

func (s *Struct) transferTo(ch *rpc.Channel) error {
	if err := requireRemote(s); err != nil {
		return err
	}
	return ch.TransferTo(uint64(s.remote), s.data)
}

func (s *Struct) transferFrom(ch *rpc.Channel) error {
	if err := requireRemote(s); err != nil {
		return err
	}
	buf, err := ch.TransferFrom(uint64(s.remote), s.Size())
	if err != nil {
		return err
	}
	copy(s.data, buf)
	return nil
}
