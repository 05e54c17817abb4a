package sandbox2

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FinalStatus classifies how a worker ended.
type FinalStatus int

const (
	// StatusUnknown means the worker has not been awaited yet.
	StatusUnknown FinalStatus = iota
	// StatusOK means the worker exited; Reason carries the exit code.
	StatusOK
	// StatusSignaled means the worker died on a signal; Reason carries
	// the signal number.
	StatusSignaled
	// StatusViolation means the worker was killed by the seccomp policy.
	StatusViolation
	// StatusTimedOut means the worker was killed by its wall-time limit.
	StatusTimedOut
	// StatusInternal means the fork-server could not determine the
	// outcome.
	StatusInternal
)

func (s FinalStatus) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusOK:
		return "OK"
	case StatusSignaled:
		return "SIGNALED"
	case StatusViolation:
		return "VIOLATION"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Result is the final termination record of a worker.
type Result struct {
	Final  FinalStatus
	Reason int
}

// OK reports a clean zero exit.
func (r Result) OK() bool { return r.Final == StatusOK && r.Reason == 0 }

func (r Result) String() string {
	return fmt.Sprintf("%s (reason=%d)", r.Final, r.Reason)
}

// resultFromWait maps a wait status onto a Result. timedOut is set by the
// fork-server when its wall-time timer fired before the child was reaped.
func resultFromWait(ws unix.WaitStatus, timedOut bool) Result {
	switch {
	case ws.Exited():
		return Result{Final: StatusOK, Reason: ws.ExitStatus()}
	case ws.Signaled() && ws.Signal() == unix.SIGSYS:
		return Result{Final: StatusViolation, Reason: int(ws.Signal())}
	case ws.Signaled() && timedOut:
		return Result{Final: StatusTimedOut, Reason: int(ws.Signal())}
	case ws.Signaled():
		return Result{Final: StatusSignaled, Reason: int(ws.Signal())}
	default:
		return Result{Final: StatusInternal}
	}
}
