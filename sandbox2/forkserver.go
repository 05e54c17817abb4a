package sandbox2

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ServeForkServer runs the fork-server loop inside the worker binary. It
// answers spawn/kill/wait/wall-time requests on the control channel until
// the controller closes it, then tears down any child still running.
//
// Go cannot fork after the runtime is up, so each spawn re-execs the
// current binary in sandboxee mode with its comms socket and spawn
// configuration inherited as fds.
func ServeForkServer(ctrl *Comms, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := &forkServer{ctrl: ctrl, logger: logger}
	defer srv.killChild()

	for {
		kind, payload, err := ctrl.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("control channel: %w", err)
		}
		if kind != msgControl {
			srv.reply(controlReply{Err: fmt.Sprintf("unexpected control kind %v", kind)})
			continue
		}
		var req controlRequest
		if err := decodeControl(payload, &req); err != nil {
			srv.reply(controlReply{Err: err.Error()})
			continue
		}
		srv.dispatch(req)
	}
}

type forkServer struct {
	ctrl   *Comms
	logger *slog.Logger

	mu       sync.Mutex
	child    *exec.Cmd
	timer    *time.Timer
	timedOut bool
}

func (s *forkServer) dispatch(req controlRequest) {
	switch req.Op {
	case opSpawn:
		s.handleSpawn(req)
	case opKill:
		s.handleKill(req.Pid)
	case opWait:
		s.handleWait(req.Pid)
	case opWallTime:
		s.handleWallTime(req.Pid, req.WallTime)
	default:
		s.reply(controlReply{Err: fmt.Sprintf("unknown control op %d", req.Op)})
	}
}

func (s *forkServer) handleSpawn(req controlRequest) {
	if req.Spawn == nil {
		s.reply(controlReply{Err: "spawn request carries no configuration"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != nil {
		s.reply(controlReply{Err: "a worker is already running"})
		return
	}

	parentEnd, childEnd, err := rawSocketpair()
	if err != nil {
		s.reply(controlReply{Err: err.Error()})
		return
	}
	setupR, setupW, err := os.Pipe()
	if err != nil {
		parentEnd.Close()
		childEnd.Close()
		s.reply(controlReply{Err: err.Error()})
		return
	}

	self, err := os.Executable()
	if err != nil {
		self = "/proc/self/exe"
	}
	cmd := exec.Command(self)
	cmd.Args = os.Args
	cmd.Dir = req.Spawn.Cwd
	cmd.Env = append(os.Environ(),
		EnvMode+"="+ModeWorker,
		EnvCommsFd+"="+strconv.Itoa(inheritedFdStart),
		EnvSetupFd+"="+strconv.Itoa(inheritedFdStart+1),
	)
	cmd.ExtraFiles = []*os.File{childEnd, setupR}

	if err := cmd.Start(); err != nil {
		parentEnd.Close()
		childEnd.Close()
		setupR.Close()
		setupW.Close()
		s.reply(controlReply{Err: fmt.Sprintf("start sandboxee: %v", err)})
		return
	}
	childEnd.Close()
	setupR.Close()

	setup, err := encodeControl(req.Spawn)
	if err == nil {
		_, err = setupW.Write(setup)
	}
	setupW.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		parentEnd.Close()
		s.reply(controlReply{Err: fmt.Sprintf("ship spawn configuration: %v", err)})
		return
	}

	s.child = cmd
	s.timedOut = false
	if req.Spawn.WallTime > 0 {
		s.armTimerLocked(req.Spawn.WallTime)
	}

	s.logger.Debug("sandboxee spawned", "pid", cmd.Process.Pid)
	payload, err := encodeControl(controlReply{Pid: cmd.Process.Pid})
	if err != nil {
		parentEnd.Close()
		return
	}
	if err := s.ctrl.SendFD(msgControlReply, payload, int(parentEnd.Fd())); err != nil {
		s.logger.Warn("spawn reply failed", "error", err)
	}
	parentEnd.Close()
}

func (s *forkServer) handleKill(pid int) {
	s.mu.Lock()
	if s.child != nil && s.child.Process != nil && (pid == 0 || pid == s.child.Process.Pid) {
		_ = s.child.Process.Kill()
	}
	s.mu.Unlock()
	s.reply(controlReply{})
}

func (s *forkServer) handleWait(pid int) {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()
	if child == nil || child.Process == nil || (pid != 0 && pid != child.Process.Pid) {
		s.reply(controlReply{Err: "no such worker"})
		return
	}

	err := child.Wait()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	timedOut := s.timedOut
	s.child = nil
	s.mu.Unlock()

	var res Result
	switch {
	case err == nil:
		res = Result{Final: StatusOK, Reason: 0}
	case child.ProcessState != nil:
		ws := unix.WaitStatus(child.ProcessState.Sys().(syscall.WaitStatus))
		res = resultFromWait(ws, timedOut)
	default:
		res = Result{Final: StatusInternal}
	}
	if res.OK() {
		s.logger.Debug("sandboxee exited cleanly", "pid", pid)
	} else {
		s.logger.Warn("sandboxee finished", "pid", pid, "result", res.String())
	}
	s.reply(controlReply{Result: &res})
}

func (s *forkServer) handleWallTime(pid int, d time.Duration) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if d > 0 && s.child != nil && (pid == 0 || pid == s.child.Process.Pid) {
		s.armTimerLocked(d)
	}
	s.mu.Unlock()
	s.reply(controlReply{})
}

func (s *forkServer) armTimerLocked(d time.Duration) {
	child := s.child
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.child == child && child.Process != nil {
			s.timedOut = true
			_ = child.Process.Kill()
		}
		s.mu.Unlock()
	})
}

func (s *forkServer) killChild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != nil && s.child.Process != nil {
		_ = s.child.Process.Kill()
		_ = s.child.Wait()
		s.child = nil
	}
}

func (s *forkServer) reply(r controlReply) {
	payload, err := encodeControl(r)
	if err != nil {
		s.logger.Warn("encode control reply", "error", err)
		return
	}
	if err := s.ctrl.Send(msgControlReply, payload); err != nil {
		s.logger.Warn("send control reply", "error", err)
	}
}
