// Package sandbox2 is the low-level sandboxer the controller drives: a
// framed duplex channel to the worker, a fork-server that produces
// pre-initialized workers on request, and a monitor for the running
// worker process.
package sandbox2

import (
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ccock/sandboxed-api/protocol"
)

// maxFramePayload bounds a single frame. Transfer chunking at the RPC
// layer keeps payloads under this.
const maxFramePayload = protocol.MaxChunk + 4096

// Comms is a framed, strictly half-duplex channel over a Unix stream
// socket. File descriptors ride as ancillary data attached to the frame
// header segment.
type Comms struct {
	conn *net.UnixConn
}

func NewComms(conn *net.UnixConn) *Comms { return &Comms{conn: conn} }

// CommsPair returns both ends of a connected socketpair. One end is kept
// by the caller; the other is handed to a child process or a test peer.
func CommsPair() (*Comms, *Comms, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	a, err := FileComms(os.NewFile(uintptr(fds[0]), "comms0"))
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := FileComms(os.NewFile(uintptr(fds[1]), "comms1"))
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// FileComms wraps an inherited socket fd (e.g. fd 3 in the worker). The
// file is duplicated into the runtime network poller and closed.
func FileComms(f *os.File) (*Comms, error) {
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("comms from fd: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("comms fd is %T, want unix socket", conn)
	}
	return &Comms{conn: uc}, nil
}

// Send writes one frame.
func (c *Comms) Send(kind protocol.MsgKind, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("frame payload %d exceeds limit %d", len(payload), maxFramePayload)
	}
	hdr := protocol.Header{Kind: kind, PayloadSize: uint32(len(payload))}
	buf := append(hdr.Encode(), payload...)
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("send %v: %w", kind, err)
	}
	return nil
}

// SendFD writes one frame with a file descriptor attached to the header
// segment as SCM_RIGHTS ancillary data.
func (c *Comms) SendFD(kind protocol.MsgKind, payload []byte, fd int) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("frame payload %d exceeds limit %d", len(payload), maxFramePayload)
	}
	hdr := protocol.Header{Kind: kind, PayloadSize: uint32(len(payload))}
	buf := append(hdr.Encode(), payload...)
	rights := unix.UnixRights(fd)
	if _, _, err := c.conn.WriteMsgUnix(buf, rights, nil); err != nil {
		return fmt.Errorf("send %v with fd: %w", kind, err)
	}
	return nil
}

// Recv reads one frame. Frames carrying ancillary data must be read with
// RecvFD instead; the channel is half-duplex per exchange, so the caller
// always knows which to expect.
func (c *Comms) Recv() (protocol.MsgKind, []byte, error) {
	hdrBuf := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(c.conn, hdrBuf); err != nil {
		return 0, nil, fmt.Errorf("recv header: %w", err)
	}
	hdr, err := protocol.DecodeHeader(hdrBuf)
	if err != nil {
		return 0, nil, err
	}
	if hdr.PayloadSize > maxFramePayload {
		return 0, nil, fmt.Errorf("frame payload %d exceeds limit %d", hdr.PayloadSize, maxFramePayload)
	}
	payload := make([]byte, hdr.PayloadSize)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, nil, fmt.Errorf("recv payload: %w", err)
	}
	return hdr.Kind, payload, nil
}

// RecvFD reads one frame expected to carry a file descriptor. The fd is
// returned open; the caller owns it.
func (c *Comms) RecvFD() (protocol.MsgKind, []byte, int, error) {
	hdrBuf := make([]byte, protocol.HeaderSize)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(hdrBuf, oob)
	if err != nil {
		return 0, nil, -1, fmt.Errorf("recv header with fd: %w", err)
	}
	if n < protocol.HeaderSize {
		if _, err := io.ReadFull(c.conn, hdrBuf[n:]); err != nil {
			return 0, nil, -1, fmt.Errorf("recv header tail: %w", err)
		}
	}
	hdr, err := protocol.DecodeHeader(hdrBuf)
	if err != nil {
		return 0, nil, -1, err
	}
	if hdr.PayloadSize > maxFramePayload {
		return 0, nil, -1, fmt.Errorf("frame payload %d exceeds limit %d", hdr.PayloadSize, maxFramePayload)
	}
	payload := make([]byte, hdr.PayloadSize)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, nil, -1, fmt.Errorf("recv payload: %w", err)
	}
	fd, err := parseRights(oob[:oobn])
	if err != nil {
		return 0, nil, -1, err
	}
	return hdr.Kind, payload, fd, nil
}

// RecvMaybeFD reads one frame that may or may not carry a descriptor.
// It returns fd -1 when none was attached. The worker's serve loop uses
// this so descriptors are never silently dropped by a plain read.
func (c *Comms) RecvMaybeFD() (protocol.MsgKind, []byte, int, error) {
	hdrBuf := make([]byte, protocol.HeaderSize)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(hdrBuf, oob)
	if err != nil {
		return 0, nil, -1, fmt.Errorf("recv header: %w", err)
	}
	if n < protocol.HeaderSize {
		if _, err := io.ReadFull(c.conn, hdrBuf[n:]); err != nil {
			return 0, nil, -1, fmt.Errorf("recv header tail: %w", err)
		}
	}
	hdr, err := protocol.DecodeHeader(hdrBuf)
	if err != nil {
		return 0, nil, -1, err
	}
	if hdr.PayloadSize > maxFramePayload {
		return 0, nil, -1, fmt.Errorf("frame payload %d exceeds limit %d", hdr.PayloadSize, maxFramePayload)
	}
	payload := make([]byte, hdr.PayloadSize)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, nil, -1, fmt.Errorf("recv payload: %w", err)
	}
	fd := -1
	if oobn > 0 {
		fd, err = parseRights(oob[:oobn])
		if err != nil {
			return 0, nil, -1, err
		}
	}
	return hdr.Kind, payload, fd, nil
}

func parseRights(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, fmt.Errorf("parse control message: %w", err)
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			for _, extra := range fds[1:] {
				unix.Close(extra)
			}
			return fds[0], nil
		}
	}
	return -1, fmt.Errorf("no file descriptor in ancillary data")
}

func (c *Comms) Close() error { return c.conn.Close() }

// rawSocketpair returns both ends of a connected stream socketpair as
// files. The second end is intended for a child process.
func rawSocketpair() (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "sockpair0"), os.NewFile(uintptr(fds[1]), "sockpair1"), nil
}
