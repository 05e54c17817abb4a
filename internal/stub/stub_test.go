package stub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ccock/sandboxed-api/protocol"
)

func TestHeapAllocFree(t *testing.T) {
	h := NewHeap(0)
	addr := h.Alloc(32)
	require.NotZero(t, addr)
	assert.Equal(t, 1, h.Outstanding())
	assert.Equal(t, uint64(32), h.UsedBytes())

	require.NoError(t, h.Free(addr))
	assert.Equal(t, 0, h.Outstanding())
	assert.Zero(t, h.UsedBytes())

	require.Error(t, h.Free(addr))
}

func TestHeapLimit(t *testing.T) {
	h := NewHeap(64)
	a := h.Alloc(48)
	require.NotZero(t, a)
	assert.Zero(t, h.Alloc(32))
	require.NoError(t, h.Free(a))
	assert.NotZero(t, h.Alloc(32))
}

func TestHeapReadWriteWithOffset(t *testing.T) {
	h := NewHeap(0)
	addr := h.Alloc(16)
	require.NoError(t, h.Write(addr+4, []byte("data")))

	got, err := h.Read(addr+4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	_, err = h.Read(addr+12, 8)
	require.Error(t, err)
	require.Error(t, h.Write(addr+14, []byte("toolong")))

	_, err = h.Read(0xdead0000, 1)
	require.Error(t, err)
}

func TestHeapGrowKeepsContent(t *testing.T) {
	h := NewHeap(0)
	addr := h.Alloc(4)
	require.NoError(t, h.Write(addr, []byte("abcd")))
	require.NoError(t, h.Grow(addr, 8))

	got, err := h.Read(addr, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), got)
	assert.Equal(t, uint64(8), h.UsedBytes())
}

func TestRegistrySymbols(t *testing.T) {
	reg := NewRegistry()
	reg.Register("f", func(c *CallCtx) (uint64, error) { return 0, nil })
	reg.Register("g", func(c *CallCtx) (uint64, error) { return 0, nil })

	fAddr := reg.SymbolAddr("f")
	assert.NotZero(t, fAddr)
	assert.NotEqual(t, fAddr, reg.SymbolAddr("g"))
	assert.Zero(t, reg.SymbolAddr("missing"))

	// Re-registering keeps the address stable.
	reg.Register("f", func(c *CallCtx) (uint64, error) { return 1, nil })
	assert.Equal(t, fAddr, reg.SymbolAddr("f"))
}

// callThrough builds a frame with one pointer argument backed by a
// length-prefixed buffer in the heap.
func callThrough(t *testing.T, h *Heap, name string, content []byte) (*CallCtx, uint64) {
	t.Helper()
	addr := h.Alloc(protocol.LenValHeader + uint64(len(content)))
	require.NotZero(t, addr)
	buf := make([]byte, protocol.LenValHeader+len(content))
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(len(content)) >> (8 * i))
	}
	copy(buf[protocol.LenValHeader:], content)
	require.NoError(t, h.Write(addr, buf))

	frame := &protocol.FuncCall{Func: name, Argc: 1, RetType: protocol.TypeInt}
	frame.ArgType[0] = protocol.TypePointer
	frame.AuxType[0] = protocol.TypeLenVal
	frame.AuxSize[0] = uint64(len(content))
	frame.Arg[0] = addr
	return &CallCtx{Frame: frame, heap: h}, addr
}

func TestBuiltinDuplicate(t *testing.T) {
	reg := NewRegistry()
	RegisterStringOps(reg)
	h := NewHeap(0)

	c, _ := callThrough(t, h, "duplicate_string", []byte("0123456789"))
	fn, ok := reg.Lookup("duplicate_string")
	require.True(t, ok)

	ret, err := fn(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ret)

	out, err := c.LenValArg(0)
	require.NoError(t, err)
	assert.Equal(t, "01234567890123456789", string(out))
}

func TestBuiltinReverse(t *testing.T) {
	reg := NewRegistry()
	RegisterStringOps(reg)
	h := NewHeap(0)

	c, _ := callThrough(t, h, "reverse_string", []byte("0123456789"))
	fn, _ := reg.Lookup("reverse_string")

	ret, err := fn(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ret)

	out, err := c.LenValArg(0)
	require.NoError(t, err)
	assert.Equal(t, "9876543210", string(out))
}

func TestBuiltinPbDuplicate(t *testing.T) {
	reg := NewRegistry()
	RegisterStringOps(reg)
	h := NewHeap(0)

	msg, err := structpb.NewStruct(map[string]any{"input": "Hello"})
	require.NoError(t, err)

	c, _ := callThrough(t, h, "pb_duplicate_string", mustMarshal(t, msg))
	fn, _ := reg.Lookup("pb_duplicate_string")

	ret, err := fn(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ret)

	var out structpb.Struct
	require.NoError(t, c.ProtoArg(0, &out))
	assert.Equal(t, "HelloHello", out.Fields["output"].GetStringValue())
}

func mustMarshal(t *testing.T, m *structpb.Struct) []byte {
	t.Helper()
	raw, err := proto.Marshal(m)
	require.NoError(t, err)
	return raw
}

func TestZeroAddressBuffer(t *testing.T) {
	reg := NewRegistry()
	RegisterStringOps(reg)
	h := NewHeap(0)

	frame := &protocol.FuncCall{Func: "string_length", Argc: 1, RetType: protocol.TypeInt}
	frame.ArgType[0] = protocol.TypePointer
	frame.AuxType[0] = protocol.TypeLenVal
	c := &CallCtx{Frame: frame, heap: h}

	fn, _ := reg.Lookup("string_length")
	ret, err := fn(c)
	require.NoError(t, err)
	assert.Zero(t, ret)
	assert.Zero(t, h.Outstanding())
}
