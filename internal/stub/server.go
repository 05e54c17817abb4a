package stub

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"

	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/proto"

	"github.com/ccock/sandboxed-api/protocol"
	"github.com/ccock/sandboxed-api/sandbox2"
	"github.com/ccock/sandboxed-api/status"
)

// CallCtx gives a host function typed access to its decoded call frame
// and to the pseudo heap holding pointer arguments.
type CallCtx struct {
	Frame *protocol.FuncCall
	heap  *Heap
}

// IntArg returns the inline integer value of argument i.
func (c *CallCtx) IntArg(i int) int64 { return int64(c.Frame.Arg[i]) }

// FloatArg returns the inline float value of argument i.
func (c *CallCtx) FloatArg(i int) float64 { return math.Float64frombits(c.Frame.Arg[i]) }

// Addr returns the remote address carried by pointer argument i.
func (c *CallCtx) Addr(i int) uint64 { return c.Frame.Arg[i] }

// LenValArg reads the length-prefixed buffer behind pointer argument i.
// Address zero is the legal empty buffer.
func (c *CallCtx) LenValArg(i int) ([]byte, error) {
	addr := c.Frame.Arg[i]
	if addr == 0 {
		return nil, nil
	}
	hdr, err := c.heap.Read(addr, protocol.LenValHeader)
	if err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(hdr)
	return c.heap.Read(addr+protocol.LenValHeader, n)
}

// SetLenValArg rewrites the buffer behind pointer argument i, growing the
// worker-side allocation in place when the content outgrows it.
func (c *CallCtx) SetLenValArg(i int, data []byte) error {
	addr := c.Frame.Arg[i]
	if addr == 0 {
		return errors.New("cannot write through a zero buffer address")
	}
	if err := c.heap.Grow(addr, protocol.LenValHeader+uint64(len(data))); err != nil {
		return err
	}
	buf := make([]byte, protocol.LenValHeader+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(data)))
	copy(buf[protocol.LenValHeader:], data)
	return c.heap.Write(addr, buf)
}

// ProtoArg deserializes the envelope behind pointer argument i into m.
func (c *CallCtx) ProtoArg(i int, m proto.Message) error {
	raw, err := c.LenValArg(i)
	if err != nil {
		return err
	}
	return proto.Unmarshal(raw, m)
}

// SetProtoArg reserializes m into the envelope behind pointer argument i.
func (c *CallCtx) SetProtoArg(i int, m proto.Message) error {
	raw, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	return c.SetLenValArg(i, raw)
}

// Server services the controller's RPC protocol until Exit or transport
// loss.
type Server struct {
	comms  *sandbox2.Comms
	reg    *Registry
	heap   *Heap
	logger *slog.Logger
}

// NewServer wires a serve loop over comms. A nil heap gets an uncapped
// fresh one; a nil logger discards.
func NewServer(comms *sandbox2.Comms, reg *Registry, heap *Heap, logger *slog.Logger) *Server {
	if heap == nil {
		heap = NewHeap(0)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{comms: comms, reg: reg, heap: heap, logger: logger}
}

// Heap exposes the allocator for instrumentation.
func (s *Server) Heap() *Heap { return s.heap }

// Serve runs the dispatch loop. It returns nil on a polite Exit or when
// the controller closes the channel.
func (s *Server) Serve() error {
	for {
		kind, payload, fd, err := s.comms.RecvMaybeFD()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if kind == protocol.MsgExit {
			s.logger.Debug("exit requested")
			return nil
		}
		if err := s.dispatch(kind, payload, fd); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(kind protocol.MsgKind, payload []byte, fd int) error {
	switch kind {
	case protocol.MsgCall:
		return s.handleCall(payload)
	case protocol.MsgAllocate:
		return s.handleAllocate(payload)
	case protocol.MsgFree:
		return s.handleFree(payload)
	case protocol.MsgTransferTo:
		return s.handleTransferTo(payload)
	case protocol.MsgTransferFrom:
		return s.handleTransferFrom(payload)
	case protocol.MsgSymbol:
		return s.handleSymbol(payload)
	case protocol.MsgSendFd:
		return s.handleSendFd(fd)
	case protocol.MsgRecvFd:
		return s.handleRecvFd(payload)
	default:
		return s.sendError(status.InvalidArgument, "unknown message kind "+kind.String())
	}
}

func (s *Server) handleCall(payload []byte) error {
	frame, err := protocol.DecodeFuncCall(payload)
	if err != nil {
		return s.sendError(status.Internal, err.Error())
	}
	fn, ok := s.reg.Lookup(frame.Func)
	if !ok {
		return s.sendError(status.InvalidArgument, "unknown function "+frame.Func)
	}
	s.logger.Debug("dispatching call", "func", frame.Func, "argc", frame.Argc)
	val, err := fn(&CallCtx{Frame: frame, heap: s.heap})
	if err != nil {
		return s.sendError(status.CodeOf(err), err.Error())
	}
	ret := protocol.FuncRet{Type: frame.RetType, Val: val}
	return s.comms.Send(protocol.MsgCall.Reply(), ret.Encode())
}

func (s *Server) handleAllocate(payload []byte) error {
	size, err := protocol.DecodeU64(payload)
	if err != nil {
		return s.sendError(status.Internal, err.Error())
	}
	addr := s.heap.Alloc(size)
	return s.comms.Send(protocol.MsgAllocate.Reply(), protocol.EncodeU64(addr))
}

func (s *Server) handleFree(payload []byte) error {
	addr, err := protocol.DecodeU64(payload)
	if err != nil {
		return s.sendError(status.Internal, err.Error())
	}
	if err := s.heap.Free(addr); err != nil {
		return s.sendError(status.Internal, err.Error())
	}
	return s.comms.Send(protocol.MsgFree.Reply(), nil)
}

func (s *Server) handleTransferTo(payload []byte) error {
	region, err := protocol.DecodeRegion(payload)
	if err != nil {
		return s.sendError(status.Internal, err.Error())
	}
	data := payload[protocol.RegionSize:]
	if uint64(len(data)) != region.Size {
		return s.sendError(status.Internal, "transfer size mismatch")
	}
	if err := s.heap.Write(region.Addr, data); err != nil {
		return s.sendError(status.Internal, err.Error())
	}
	return s.comms.Send(protocol.MsgTransferTo.Reply(), nil)
}

func (s *Server) handleTransferFrom(payload []byte) error {
	region, err := protocol.DecodeRegion(payload)
	if err != nil {
		return s.sendError(status.Internal, err.Error())
	}
	data, err := s.heap.Read(region.Addr, region.Size)
	if err != nil {
		return s.sendError(status.Internal, err.Error())
	}
	reply := append(region.Encode(), data...)
	return s.comms.Send(protocol.MsgTransferFrom.Reply(), reply)
}

func (s *Server) handleSymbol(payload []byte) error {
	name := payload
	if n := len(name); n > 0 && name[n-1] == 0 {
		name = name[:n-1]
	}
	addr := s.reg.SymbolAddr(string(name))
	return s.comms.Send(protocol.MsgSymbol.Reply(), protocol.EncodeU64(addr))
}

func (s *Server) handleSendFd(fd int) error {
	if fd < 0 {
		return s.sendError(status.InvalidArgument, "send_fd frame carries no descriptor")
	}
	return s.comms.Send(protocol.MsgSendFd.Reply(), protocol.EncodeU64(uint64(fd)))
}

func (s *Server) handleRecvFd(payload []byte) error {
	remote, err := protocol.DecodeU64(payload)
	if err != nil {
		return s.sendError(status.Internal, err.Error())
	}
	fd := int(remote)
	if err := checkFd(fd); err != nil {
		return s.sendError(status.InvalidArgument, err.Error())
	}
	return s.comms.SendFD(protocol.MsgRecvFd.Reply(), nil, fd)
}

func checkFd(fd int) error {
	if fd < 0 {
		return errors.New("negative descriptor")
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return errors.New("descriptor is not open")
	}
	return nil
}

func (s *Server) sendError(code status.Code, msg string) error {
	frame := protocol.ErrorFrame{Code: uint32(code), Msg: msg}
	return s.comms.Send(protocol.MsgError, frame.Encode())
}
