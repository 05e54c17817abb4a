package sandbox2

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Worker is the monitor handle for one running sandboxee. It is uniquely
// owned; the owning sandbox serializes all access.
type Worker struct {
	fc    *ForkClient
	pid   int
	comms *Comms

	mu      sync.Mutex
	awaited bool
	result  Result
}

func (w *Worker) Pid() int { return w.pid }

// Comms returns the worker's RPC transport.
func (w *Worker) Comms() *Comms { return w.comms }

// IsTerminated reports whether the worker process is gone. Before the
// final result has been collected this probes the process with signal 0.
func (w *Worker) IsTerminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.awaited {
		return true
	}
	return unix.Kill(w.pid, 0) != nil
}

// Kill forcefully terminates the worker.
func (w *Worker) Kill() error {
	return w.fc.kill(w.pid)
}

// SetWallTimeLimit arms (or with zero disarms) the worker's wall clock.
func (w *Worker) SetWallTimeLimit(d time.Duration) error {
	return w.fc.setWallTime(w.pid, d)
}

// AwaitResult reaps the worker and returns its final termination record.
// Subsequent calls return the cached result.
func (w *Worker) AwaitResult() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.awaited {
		return w.result
	}
	res, err := w.fc.wait(w.pid)
	if err != nil {
		res = Result{Final: StatusInternal}
	}
	w.result = res
	w.awaited = true
	w.comms.Close()
	return w.result
}
