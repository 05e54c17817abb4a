package sandbox2

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ccock/sandboxed-api/protocol"
)

// Control frames between the controller and the fork-server. They share
// the comms framing but live outside the per-call message space; payloads
// are gob-encoded.
const (
	msgControl      protocol.MsgKind = 0x200
	msgControlReply protocol.MsgKind = 0x300
)

type controlOp int

const (
	opSpawn controlOp = iota + 1
	opKill
	opWait
	opWallTime
)

// SpawnRequest configures one worker spawned from the fork-server. An
// empty Cwd inherits the fork-server's working directory; zero WallTime,
// RlimitCPU and RlimitAS mean no wall-time limit and unlimited CPU and
// address-space rlimits.
type SpawnRequest struct {
	Cwd       string
	WallTime  time.Duration
	RlimitCPU uint64
	RlimitAS  uint64
	Policy    []byte
}

type controlRequest struct {
	Op       controlOp
	Pid      int
	Spawn    *SpawnRequest
	WallTime time.Duration
}

type controlReply struct {
	Err    string
	Pid    int
	Result *Result
}

func encodeControl(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode control message: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeControl(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}
	return nil
}

// ForkClient talks to a running fork-server. It is owned by the sandbox
// that started it and serialized internally; one request is in flight at
// a time.
type ForkClient struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	ctrl *Comms
}

// Spawn asks the fork-server for a fresh worker configured by req. The
// reply carries the worker's pid and its comms socket.
func (f *ForkClient) Spawn(req SpawnRequest) (*Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	payload, err := encodeControl(controlRequest{Op: opSpawn, Spawn: &req})
	if err != nil {
		return nil, err
	}
	if err := f.ctrl.Send(msgControl, payload); err != nil {
		return nil, fmt.Errorf("spawn request: %w", err)
	}
	kind, replyData, fd, err := f.ctrl.RecvFD()
	if err != nil {
		return nil, fmt.Errorf("spawn reply: %w", err)
	}
	if kind != msgControlReply {
		unix.Close(fd)
		return nil, fmt.Errorf("spawn reply has kind %v", kind)
	}
	var reply controlReply
	if err := decodeControl(replyData, &reply); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if reply.Err != "" {
		unix.Close(fd)
		return nil, fmt.Errorf("fork-server: %s", reply.Err)
	}
	comms, err := FileComms(os.NewFile(uintptr(fd), "worker-comms"))
	if err != nil {
		return nil, err
	}
	return &Worker{fc: f, pid: reply.Pid, comms: comms}, nil
}

func (f *ForkClient) roundTrip(req controlRequest) (*controlReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	payload, err := encodeControl(req)
	if err != nil {
		return nil, err
	}
	if err := f.ctrl.Send(msgControl, payload); err != nil {
		return nil, fmt.Errorf("control request: %w", err)
	}
	kind, replyData, err := f.ctrl.Recv()
	if err != nil {
		return nil, fmt.Errorf("control reply: %w", err)
	}
	if kind != msgControlReply {
		return nil, fmt.Errorf("control reply has kind %v", kind)
	}
	var reply controlReply
	if err := decodeControl(replyData, &reply); err != nil {
		return nil, err
	}
	if reply.Err != "" {
		return nil, fmt.Errorf("fork-server: %s", reply.Err)
	}
	return &reply, nil
}

func (f *ForkClient) kill(pid int) error {
	_, err := f.roundTrip(controlRequest{Op: opKill, Pid: pid})
	return err
}

func (f *ForkClient) wait(pid int) (Result, error) {
	reply, err := f.roundTrip(controlRequest{Op: opWait, Pid: pid})
	if err != nil {
		return Result{Final: StatusInternal}, err
	}
	if reply.Result == nil {
		return Result{Final: StatusInternal}, fmt.Errorf("fork-server wait reply carries no result")
	}
	return *reply.Result, nil
}

func (f *ForkClient) setWallTime(pid int, d time.Duration) error {
	_, err := f.roundTrip(controlRequest{Op: opWallTime, Pid: pid, WallTime: d})
	return err
}

// Close tears the fork-server down. Any worker it still tracks dies with
// its process group.
func (f *ForkClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctrl.Close()
	if f.cmd != nil && f.cmd.Process != nil {
		_ = unix.Kill(-f.cmd.Process.Pid, unix.SIGKILL)
		_ = f.cmd.Wait()
	}
	return nil
}
