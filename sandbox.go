package sapi

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ccock/sandboxed-api/policy"
	"github.com/ccock/sandboxed-api/rpc"
	"github.com/ccock/sandboxed-api/sandbox2"
	"github.com/ccock/sandboxed-api/status"
	"github.com/ccock/sandboxed-api/vars"
)

// EnvDataDir resolves relative library paths, mirroring data-dependency
// lookup in build systems that stage runfiles.
const EnvDataDir = "SAPI_DATA_DIR"

// forkClient and workerHandle are the sandboxer contracts the controller
// consumes; sandbox2 provides the real implementations.
type forkClient interface {
	Spawn(req sandbox2.SpawnRequest) (workerHandle, error)
	Close() error
}

type workerHandle interface {
	Pid() int
	Comms() *sandbox2.Comms
	IsTerminated() bool
	Kill() error
	SetWallTimeLimit(d time.Duration) error
	AwaitResult() sandbox2.Result
}

type realForkClient struct {
	fc *sandbox2.ForkClient
}

func (r realForkClient) Spawn(req sandbox2.SpawnRequest) (workerHandle, error) {
	w, err := r.fc.Spawn(req)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r realForkClient) Close() error { return r.fc.Close() }

func startForkServer(e *sandbox2.Executor) (forkClient, error) {
	fc, err := e.StartForkServer()
	if err != nil {
		return nil, err
	}
	return realForkClient{fc: fc}, nil
}

// Sandbox drives one worker process. Instances are single-owner: all
// boundary operations are serialized by construction, never by callers
// sharing one instance across goroutines.
type Sandbox struct {
	opts Options
	id   string
	log  *slog.Logger

	// start is the fork-server seam; tests substitute it.
	start func(e *sandbox2.Executor) (forkClient, error)

	fc       forkClient
	s2       workerHandle
	comms    *sandbox2.Comms
	rpcCh    *rpc.Channel
	pid      int
	result   sandbox2.Result
	awaited  bool
	autoVars []vars.Var
	embedFd  int
}

func New(opts Options) *Sandbox {
	id := uuid.New().String()[:8]
	return &Sandbox{
		opts:    opts,
		id:      id,
		log:     opts.logger().With("sandbox_id", id),
		start:   startForkServer,
		embedFd: -1,
	}
}

// Init brings the sandbox to the Active state: fork-server started
// (once), policy built, worker spawned and wired to an RPC channel. It is
// idempotent while Active.
func (s *Sandbox) Init() error {
	if s.IsActive() {
		return nil
	}

	if s.fc == nil {
		if err := s.startForkServerOnce(); err != nil {
			return err
		}
	}

	builder := policy.Default()
	if s.opts.PolicyFile != "" {
		cfg, err := policy.LoadConfig(s.opts.PolicyFile)
		if err != nil {
			return status.Wrapf(status.FailedPrecondition, err, "load policy file")
		}
		if err := cfg.Apply(builder); err != nil {
			return status.Wrapf(status.FailedPrecondition, err, "apply policy file")
		}
	}
	if s.opts.ModifyPolicy != nil {
		s.opts.ModifyPolicy(builder)
	}
	pol, err := builder.Build()
	if err != nil {
		return status.Wrapf(status.FailedPrecondition, err, "build policy")
	}
	polBytes, err := pol.Serialize()
	if err != nil {
		return status.Wrapf(status.Internal, err, "serialize policy")
	}

	req := sandbox2.SpawnRequest{
		Cwd:    "/",
		Policy: polBytes,
		// Wall time and rlimits stay unlimited by default; the Scudo
		// allocator and the sanitizers need an unbounded address space.
	}
	if s.opts.ModifyExecutor != nil {
		s.opts.ModifyExecutor(&req)
	}

	w, err := s.fc.Spawn(req)
	if err != nil {
		s.Terminate(false)
		return status.Wrapf(status.Unavailable, err, "could not start the sandbox")
	}

	s.s2 = w
	s.comms = w.Comms()
	s.pid = w.Pid()
	s.rpcCh = rpc.NewChannel(s.comms)
	s.awaited = false
	// Auto-freed addresses of an earlier worker mean nothing to this one.
	s.autoVars = nil
	s.log.Info("sandbox active", "pid", s.pid)
	return nil
}

func (s *Sandbox) startForkServerOnce() error {
	execFd := -1
	var libPath string
	if s.opts.Embed != nil {
		fd, err := s.opts.Embed.Fd()
		if err != nil {
			s.log.Error("cannot create executable fd for embedded library",
				"name", s.opts.Embed.Name, "error", err)
			return status.Wrapf(status.Unavailable, err, "could not create executable fd")
		}
		execFd = fd
		s.embedFd = fd
		libPath = s.opts.Embed.Name
	} else {
		libPath = resolveLibPath(s.opts.LibPath)
		if libPath == "" {
			return status.Errorf(status.FailedPrecondition, "no library path given")
		}
	}

	args := append([]string{libPath}, s.opts.ExtraArgs...)
	envs := append([]string{}, s.opts.ExtraEnvs...)

	var executor *sandbox2.Executor
	if execFd >= 0 {
		executor = sandbox2.NewExecutorFD(execFd, args, envs)
	} else {
		executor = sandbox2.NewExecutor(libPath, args, envs)
	}

	fc, err := s.start(executor)
	if err != nil {
		s.log.Error("could not start fork-server", "error", err)
		return status.Wrapf(status.Unavailable, err, "could not start the fork-server")
	}
	s.fc = fc
	s.log.Debug("fork-server started", "lib", libPath)
	return nil
}

func resolveLibPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if root := os.Getenv(EnvDataDir); root != "" {
		return filepath.Join(root, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// IsActive reports whether a worker is attached and not yet terminated.
func (s *Sandbox) IsActive() bool {
	return s.s2 != nil && !s.s2.IsTerminated()
}

// Terminate ends the worker. With graceful set, the worker gets a one
// second wall clock and a polite Exit first; otherwise it is killed
// outright. Idempotent; safe to call in any state.
func (s *Sandbox) Terminate(graceful bool) {
	if !s.IsActive() {
		return
	}

	if graceful {
		s.releaseAutoVars()
		s.exit()
	} else {
		if err := s.s2.Kill(); err != nil {
			s.log.Warn("kill failed", "pid", s.pid, "error", err)
		}
	}

	result := s.AwaitResult()
	if result.OK() {
		s.log.Info("sandbox finished", "pid", s.pid, "result", result.String())
	} else {
		s.log.Warn("sandbox finished", "pid", s.pid, "result", result.String())
	}
}

// exit bounds the shutdown wait to one second, then asks the worker to
// leave; if even asking fails the worker is killed.
func (s *Sandbox) exit() {
	if err := s.s2.SetWallTimeLimit(time.Second); err != nil {
		s.log.Warn("arming shutdown wall clock failed", "error", err)
	}
	if err := s.rpcCh.Exit(); err != nil {
		s.log.Warn("exit request failed, killing worker", "pid", s.pid, "error", err)
		if err := s.s2.Kill(); err != nil {
			s.log.Warn("kill failed", "pid", s.pid, "error", err)
		}
	}
}

// AwaitResult collects the worker's final termination record, once.
func (s *Sandbox) AwaitResult() sandbox2.Result {
	if s.s2 != nil && !s.awaited {
		s.result = s.s2.AwaitResult()
		s.awaited = true
		s.s2 = nil
	}
	return s.result
}

// Close tears the sandbox and its fork-server down. A later Init starts a
// fresh fork-server.
func (s *Sandbox) Close() error {
	s.Terminate(true)
	if s.fc != nil {
		s.fc.Close()
		s.fc = nil
	}
	if s.embedFd >= 0 {
		s.embedFd = -1
	}
	return nil
}

// Pid returns the worker's process id, zero before the first Init.
func (s *Sandbox) Pid() int { return s.pid }

// RPCChannel exposes the typed channel for variable-level operations like
// LenVal.Resize.
func (s *Sandbox) RPCChannel() *rpc.Channel { return s.rpcCh }

// SetWallTimeLimit arms the worker's wall clock; valid only while Active.
func (s *Sandbox) SetWallTimeLimit(d time.Duration) error {
	if !s.IsActive() {
		return status.Errorf(status.Unavailable, "sandbox not active")
	}
	return s.s2.SetWallTimeLimit(d)
}

// Allocate reserves v's storage in the worker.
func (s *Sandbox) Allocate(v vars.Var, autoFree bool) error {
	if !s.IsActive() {
		return status.Errorf(status.Unavailable, "sandbox not active")
	}
	err := vars.Allocate(s.rpcCh, v, autoFree)
	if err == nil && autoFree {
		s.autoVars = append(s.autoVars, v)
	}
	return err
}

// Free releases v's worker reservation.
func (s *Sandbox) Free(v vars.Var) error {
	if !s.IsActive() {
		return status.Errorf(status.Unavailable, "sandbox not active")
	}
	return vars.Free(s.rpcCh, v)
}

// TransferToSandboxee pushes v's local bytes to the worker.
func (s *Sandbox) TransferToSandboxee(v vars.Var) error {
	if !s.IsActive() {
		return status.Errorf(status.Unavailable, "sandbox not active")
	}
	return vars.TransferToSandboxee(s.rpcCh, v)
}

// TransferFromSandboxee pulls v's bytes back from the worker.
func (s *Sandbox) TransferFromSandboxee(v vars.Var) error {
	if !s.IsActive() {
		return status.Errorf(status.Unavailable, "sandbox not active")
	}
	return vars.TransferFromSandboxee(s.rpcCh, v)
}

// Symbol resolves a dynamic symbol in the worker.
func (s *Sandbox) Symbol(name string) (uint64, error) {
	if !s.IsActive() {
		return 0, status.Errorf(status.Unavailable, "sandbox not active")
	}
	return s.rpcCh.Symbol(name)
}

// releaseAutoVars best-effort frees every allocation the call engine made
// on the caller's behalf. Failures are logged, never raised; once the
// worker is gone the addresses are meaningless anyway.
func (s *Sandbox) releaseAutoVars() {
	for _, v := range s.autoVars {
		vars.Release(s.rpcCh, v, s.log)
	}
	s.autoVars = nil
}
