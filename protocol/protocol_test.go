package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundtrip(t *testing.T) {
	h := Header{Kind: MsgAllocate, PayloadSize: 8}
	decoded, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestHeaderShortBuffer(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestFuncCallRoundtrip(t *testing.T) {
	fc := &FuncCall{
		Func:    "reverse_string",
		Argc:    2,
		RetType: TypeInt,
		RetSize: 8,
	}
	fc.ArgType[0] = TypePointer
	fc.ArgSize[0] = 8
	fc.AuxType[0] = TypeLenVal
	fc.AuxSize[0] = 10
	fc.Arg[0] = 0x10020
	fc.ArgType[1] = TypeFloat
	fc.ArgSize[1] = 8
	fc.Arg[1] = 0x400921fb54442d18 // pi

	buf, err := fc.Encode()
	require.NoError(t, err)
	assert.Len(t, buf, FuncCallSize)

	decoded, err := DecodeFuncCall(buf)
	require.NoError(t, err)
	assert.Equal(t, fc, decoded)
}

func TestFuncCallNameTooLong(t *testing.T) {
	fc := &FuncCall{Func: string(make([]byte, FuncNameLen))}
	_, err := fc.Encode()
	require.Error(t, err)
}

func TestFuncCallTooManyArgs(t *testing.T) {
	fc := &FuncCall{Func: "f", Argc: MaxArgs + 1}
	_, err := fc.Encode()
	require.Error(t, err)
}

func TestDecodeFuncCallWrongSize(t *testing.T) {
	_, err := DecodeFuncCall(make([]byte, FuncCallSize-1))
	require.Error(t, err)
}

func TestFuncRetRoundtrip(t *testing.T) {
	r := &FuncRet{Type: TypeFloat, Val: 42}
	decoded, err := DecodeFuncRet(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestRegionRoundtrip(t *testing.T) {
	r := Region{Addr: 0xdeadbeef, Size: 4096}
	decoded, err := DecodeRegion(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestReplyKinds(t *testing.T) {
	assert.True(t, MsgCall.Reply().IsReply())
	assert.False(t, MsgCall.IsReply())
	assert.Equal(t, MsgCall, MsgCall.Reply()&^ReplyBit)
	assert.Equal(t, "allocate_reply", MsgAllocate.Reply().String())
	assert.Equal(t, "exit", MsgExit.String())
}

func TestErrorFrameRoundtrip(t *testing.T) {
	e := ErrorFrame{Code: 3, Msg: "out of memory"}
	decoded, err := DecodeErrorFrame(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestU64Roundtrip(t *testing.T) {
	v, err := DecodeU64(EncodeU64(0x1122334455667788))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v)

	_, err = DecodeU64([]byte{1})
	require.Error(t, err)
}
