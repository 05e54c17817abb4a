package sapi

import (
	"errors"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ccock/sandboxed-api/internal/stub"
	"github.com/ccock/sandboxed-api/sandbox2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeWorker stands in for a sandboxee process: its RPC endpoint is a
// real in-process stub over a socketpair, its lifecycle is bookkeeping.
type fakeWorker struct {
	comms *sandbox2.Comms
	peer  *sandbox2.Comms
	heap  *stub.Heap
	done  chan struct{}

	mu         sync.Mutex
	killed     bool
	terminated bool
	wallTimes  []time.Duration
}

func (w *fakeWorker) Pid() int { return 4242 }

func (w *fakeWorker) Comms() *sandbox2.Comms { return w.comms }

func (w *fakeWorker) IsTerminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminated
}

func (w *fakeWorker) Kill() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.terminated {
		w.killed = true
		w.terminated = true
		w.peer.Close()
	}
	return nil
}

func (w *fakeWorker) SetWallTimeLimit(d time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wallTimes = append(w.wallTimes, d)
	return nil
}

func (w *fakeWorker) AwaitResult() sandbox2.Result {
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		return sandbox2.Result{Final: sandbox2.StatusInternal}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.terminated = true
	if w.killed {
		return sandbox2.Result{Final: sandbox2.StatusSignaled, Reason: 9}
	}
	return sandbox2.Result{Final: sandbox2.StatusOK}
}

// fakeForkClient spawns stub-backed fake workers. An optional failure
// budget makes the first spawns fail.
type fakeForkClient struct {
	t *testing.T

	mu        sync.Mutex
	spawns    int
	failFirst int
	closed    bool
	lastReq   sandbox2.SpawnRequest
	workers   []*fakeWorker
	extraFns  map[string]stub.Func
}

func newFakeForkClient(t *testing.T) *fakeForkClient {
	return &fakeForkClient{t: t, extraFns: map[string]stub.Func{}}
}

func (f *fakeForkClient) Spawn(req sandbox2.SpawnRequest) (workerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns++
	f.lastReq = req
	if f.spawns <= f.failFirst {
		return nil, errors.New("fork-server rejected spawn")
	}

	ours, theirs, err := sandbox2.CommsPair()
	if err != nil {
		return nil, err
	}
	reg := stub.NewRegistry()
	stub.RegisterStringOps(reg)
	for name, fn := range f.extraFns {
		reg.Register(name, fn)
	}
	heap := stub.NewHeap(0)
	srv := stub.NewServer(theirs, reg, heap, nil)

	w := &fakeWorker{comms: ours, peer: theirs, heap: heap, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		srv.Serve()
	}()
	f.workers = append(f.workers, w)

	f.t.Cleanup(func() {
		ours.Close()
		theirs.Close()
	})
	return w, nil
}

func (f *fakeForkClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeForkClient) lastWorker() *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[len(f.workers)-1]
}

// registerMathOps adds scalar-argument functions the built-in string
// library does not need.
func registerMathOps(f *fakeForkClient) {
	f.extraFns["add_ints"] = func(c *stub.CallCtx) (uint64, error) {
		return uint64(c.IntArg(0) + c.IntArg(1)), nil
	}
	f.extraFns["sum_doubles"] = func(c *stub.CallCtx) (uint64, error) {
		return math.Float64bits(c.FloatArg(0) + c.FloatArg(1)), nil
	}
}

func newTestSandbox(t *testing.T, fc *fakeForkClient) *Sandbox {
	t.Helper()
	s := New(Options{LibPath: "/usr/lib/libstringop.so", Logger: testLogger()})
	s.start = func(e *sandbox2.Executor) (forkClient, error) { return fc, nil }
	t.Cleanup(func() { s.Terminate(false) })
	return s
}
