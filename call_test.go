package sapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ccock/sandboxed-api/status"
	"github.com/ccock/sandboxed-api/vars"
)

func TestRawStringDuplication(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	param := vars.NewLenVal([]byte("0123456789"))
	ret := vars.NewInt(0)
	require.NoError(t, s.Call("duplicate_string", ret, vars.PtrBoth(param)))

	assert.Equal(t, int64(1), ret.Value())
	assert.Equal(t, uint64(20), param.Size())
	assert.Equal(t, "01234567890123456789", string(param.Data()))
}

func TestRawStringReversal(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	param := vars.NewLenVal([]byte("0123456789"))
	ret := vars.NewInt(0)
	require.NoError(t, s.Call("reverse_string", ret, vars.PtrBoth(param)))

	assert.Equal(t, int64(1), ret.Value())
	assert.Equal(t, uint64(10), param.Size())
	assert.Equal(t, "9876543210", string(param.Data()))
}

func TestResizeAndCallAgain(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	param := vars.NewLenVal([]byte("0123456789"))
	ret := vars.NewInt(0)
	require.NoError(t, s.Call("reverse_string", ret, vars.PtrBoth(param)))
	require.Equal(t, "9876543210", string(param.Data()))

	require.NoError(t, param.Resize(s.RPCChannel(), 16))
	copy(param.Data()[10:], "ABCDEF")
	assert.Equal(t, "9876543210ABCDEF", string(param.Data()))

	require.NoError(t, s.Call("reverse_string", ret, vars.PtrBoth(param)))
	assert.Equal(t, int64(1), ret.Value())
	assert.Equal(t, "FEDCBA0123456789", string(param.Data()))
}

func TestProtobufStringDuplication(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	msg, err := structpb.NewStruct(map[string]any{"input": "Hello"})
	require.NoError(t, err)
	pp, err := vars.NewProto(msg)
	require.NoError(t, err)

	ret := vars.NewInt(0)
	require.NoError(t, s.Call("pb_duplicate_string", ret, vars.PtrBoth(pp)))
	require.NotZero(t, ret.Value())

	var out structpb.Struct
	require.NoError(t, pp.GetMessage(&out))
	assert.Equal(t, "HelloHello", out.Fields["output"].GetStringValue())
}

func TestProtobufStringReversal(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	msg, err := structpb.NewStruct(map[string]any{"input": "Hello"})
	require.NoError(t, err)
	pp, err := vars.NewProto(msg)
	require.NoError(t, err)

	ret := vars.NewInt(0)
	require.NoError(t, s.Call("pb_reverse_string", ret, vars.PtrBoth(pp)))
	require.NotZero(t, ret.Value())

	var out structpb.Struct
	require.NoError(t, pp.GetMessage(&out))
	assert.Equal(t, "olleH", out.Fields["output"].GetStringValue())
}

func TestIdentityCallPreservesBytes(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	content := "do not touch"
	param := vars.NewLenVal([]byte(content))
	ret := vars.NewInt(0)
	require.NoError(t, s.Call("string_length", ret, vars.PtrBoth(param)))

	assert.Equal(t, int64(len(content)), ret.Value())
	assert.Equal(t, content, string(param.Data()))
}

func TestZeroLengthLenVal(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	param := vars.NewLenVal(nil)
	ret := vars.NewInt(-1)
	require.NoError(t, s.Call("string_length", ret, vars.PtrBoth(param)))

	assert.Zero(t, ret.Value())
	assert.Zero(t, param.Remote())
	assert.Equal(t, 0, fc.lastWorker().heap.Outstanding())
}

func TestSyncNoneSkipsAllocation(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	param := vars.NewLenVal([]byte("never moved"))
	ret := vars.NewInt(-1)
	require.NoError(t, s.Call("string_length", ret, vars.PtrNone(param)))

	// The callee saw address zero and the controller never allocated.
	assert.Zero(t, ret.Value())
	assert.Zero(t, param.Remote())
	assert.Equal(t, 0, fc.lastWorker().heap.Outstanding())
}

func TestSyncBeforeAllocatesAutomatically(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	param := vars.NewLenVal([]byte("abc"))
	ret := vars.NewInt(0)
	require.NoError(t, s.Call("string_length", ret, vars.PtrBefore(param)))

	assert.Equal(t, int64(3), ret.Value())
	assert.NotZero(t, param.Remote())
	assert.True(t, param.AutoFree())
}

func TestScalarArguments(t *testing.T) {
	fc := newFakeForkClient(t)
	registerMathOps(fc)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	ret := vars.NewInt(0)
	require.NoError(t, s.Call("add_ints", ret, vars.NewInt(40), vars.NewInt(2)))
	assert.Equal(t, int64(42), ret.Value())

	fret := vars.NewFloat64(0)
	require.NoError(t, s.Call("sum_doubles", fret, vars.NewFloat64(1.5), vars.NewFloat64(2.25)))
	assert.Equal(t, 3.75, fret.Value())
}

func TestCallValidation(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	ret := vars.NewInt(0)

	err := s.Call("f", nil)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	err = s.Call("f", ret, nil)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	args := make([]vars.Var, 13)
	for i := range args {
		args[i] = vars.NewInt(0)
	}
	err = s.Call("f", ret, args...)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	inner := vars.PtrBoth(vars.NewInt(1))
	err = s.Call("f", ret, vars.PtrBoth(inner))
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	// A failed call leaves the sandbox usable.
	assert.True(t, s.IsActive())
	require.NoError(t, s.Call("string_length", ret, vars.PtrNone(vars.NewLenVal(nil))))
}

func TestUnknownFunction(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	err := s.Call("no_such_function", vars.NewInt(0))
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	assert.True(t, s.IsActive())
}

func TestPostSyncRequiresAllocation(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	// The engine always allocates before the call, so the unallocated
	// post-sync path is only reachable directly.
	p := vars.PtrAfter(vars.NewInt(7))
	err := s.synchronizePtrAfter(p)
	require.Error(t, err)
	assert.Equal(t, status.FailedPrecondition, status.CodeOf(err))
}

func TestCallAfterWorkerDeath(t *testing.T) {
	fc := newFakeForkClient(t)
	s := newTestSandbox(t, fc)
	require.NoError(t, s.Init())

	require.NoError(t, fc.lastWorker().Kill())

	err := s.Call("reverse_string", vars.NewInt(0), vars.PtrBoth(vars.NewLenVal([]byte("x"))))
	require.Error(t, err)
	assert.Equal(t, status.Unavailable, status.CodeOf(err))
}
