package rpc_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ccock/sandboxed-api/internal/stub"
	"github.com/ccock/sandboxed-api/protocol"
	"github.com/ccock/sandboxed-api/rpc"
	"github.com/ccock/sandboxed-api/sandbox2"
	"github.com/ccock/sandboxed-api/status"
)

// newTestChannel wires a channel to an in-process worker stub over a real
// socketpair.
func newTestChannel(t *testing.T) (*rpc.Channel, *stub.Heap) {
	t.Helper()
	ours, theirs, err := sandbox2.CommsPair()
	require.NoError(t, err)

	reg := stub.NewRegistry()
	stub.RegisterStringOps(reg)
	heap := stub.NewHeap(0)
	srv := stub.NewServer(theirs, reg, heap, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve()
	}()
	t.Cleanup(func() {
		ours.Close()
		<-done
		theirs.Close()
	})
	return rpc.NewChannel(ours), heap
}

func TestAllocateFree(t *testing.T) {
	ch, heap := newTestChannel(t)

	addr, err := ch.Allocate(128)
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.Equal(t, 1, heap.Outstanding())

	require.NoError(t, ch.Free(addr))
	assert.Equal(t, 0, heap.Outstanding())
}

func TestFreeZeroIsNoop(t *testing.T) {
	ch, _ := newTestChannel(t)
	require.NoError(t, ch.Free(0))
}

func TestFreeUnknownAddressFails(t *testing.T) {
	ch, _ := newTestChannel(t)
	err := ch.Free(0xdead0000)
	require.Error(t, err)
	assert.Equal(t, status.Internal, status.CodeOf(err))
}

func TestAllocateExhaustion(t *testing.T) {
	ours, theirs, err := sandbox2.CommsPair()
	require.NoError(t, err)
	srv := stub.NewServer(theirs, stub.NewRegistry(), stub.NewHeap(64), nil)
	go srv.Serve()
	t.Cleanup(func() {
		ours.Close()
		theirs.Close()
	})
	ch := rpc.NewChannel(ours)

	_, err = ch.Allocate(1024)
	require.Error(t, err)
	assert.Equal(t, status.ResourceExhausted, status.CodeOf(err))
}

func TestTransferRoundtrip(t *testing.T) {
	ch, _ := newTestChannel(t)

	payload := []byte("the quick brown fox")
	addr, err := ch.Allocate(uint64(len(payload)))
	require.NoError(t, err)

	require.NoError(t, ch.TransferTo(addr, payload))
	got, err := ch.TransferFrom(addr, uint64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestTransferChunking(t *testing.T) {
	ch, _ := newTestChannel(t)

	big := bytes.Repeat([]byte{0xa5}, protocol.MaxChunk+protocol.MaxChunk/2)
	big[0] = 1
	big[len(big)-1] = 2

	addr, err := ch.Allocate(uint64(len(big)))
	require.NoError(t, err)

	require.NoError(t, ch.TransferTo(addr, big))
	got, err := ch.TransferFrom(addr, uint64(len(big)))
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestSymbolLookup(t *testing.T) {
	ch, _ := newTestChannel(t)

	addr, err := ch.Symbol("reverse_string")
	require.NoError(t, err)
	assert.NotZero(t, addr)

	missing, err := ch.Symbol("no_such_symbol")
	require.NoError(t, err)
	assert.Zero(t, missing)
}

func TestCallUnknownFunctionKeepsWorkerCode(t *testing.T) {
	ch, _ := newTestChannel(t)

	// The stub echoes the declared return type, so a return-type mismatch
	// cannot be provoked through it. This checks the error path instead:
	// the worker's error frame keeps its own code rather than Internal.
	fc := &protocol.FuncCall{Func: "missing_function", Argc: 0, RetType: protocol.TypeInt, RetSize: 8}
	_, err := ch.Call(fc)
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestCallThroughStub(t *testing.T) {
	ch, _ := newTestChannel(t)

	content := []byte("0123456789")
	addr, err := ch.Allocate(protocol.LenValHeader + uint64(len(content)))
	require.NoError(t, err)
	buf := append(protocol.EncodeU64(uint64(len(content))), content...)
	require.NoError(t, ch.TransferTo(addr, buf))

	fc := &protocol.FuncCall{Func: "string_length", Argc: 1, RetType: protocol.TypeInt, RetSize: 8}
	fc.ArgType[0] = protocol.TypePointer
	fc.ArgSize[0] = 8
	fc.AuxType[0] = protocol.TypeLenVal
	fc.AuxSize[0] = uint64(len(content))
	fc.Arg[0] = addr

	ret, err := ch.Call(fc)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeInt, ret.Type)
	assert.Equal(t, uint64(len(content)), ret.Val)
}

func TestFdRoundtrip(t *testing.T) {
	ch, _ := newTestChannel(t)

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	t.Cleanup(func() {
		unix.Close(fds[1])
	})

	remote, err := ch.SendFd(fds[0])
	require.NoError(t, err)
	require.GreaterOrEqual(t, remote, 0)
	unix.Close(fds[0])

	back, err := ch.RecvFd(remote)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(back) })

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	n, err := unix.Read(back, buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))
}

func TestExitStopsWorker(t *testing.T) {
	ours, theirs, err := sandbox2.CommsPair()
	require.NoError(t, err)
	srv := stub.NewServer(theirs, stub.NewRegistry(), nil, nil)
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	t.Cleanup(func() {
		ours.Close()
		theirs.Close()
	})
	ch := rpc.NewChannel(ours)

	require.NoError(t, ch.Exit())
	require.NoError(t, <-done)
}

func TestTransportLossIsUnavailable(t *testing.T) {
	ours, theirs, err := sandbox2.CommsPair()
	require.NoError(t, err)
	theirs.Close()
	ours.Close()
	ch := rpc.NewChannel(ours)

	_, err = ch.Allocate(8)
	require.Error(t, err)
	assert.Equal(t, status.Unavailable, status.CodeOf(err))
}
