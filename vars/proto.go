package vars

import (
	"encoding/binary"

	"google.golang.org/protobuf/proto"

	"github.com/ccock/sandboxed-api/protocol"
	"github.com/ccock/sandboxed-api/rpc"
	"github.com/ccock/sandboxed-api/status"
)

// Proto carries a serialized protobuf message: a u64 length prefix
// followed by the wire bytes. The worker parses and rewrites the envelope
// in place; GetMessage recovers the message after synchronization.
type Proto struct {
	base
	data []byte
}

// NewProto serializes m into a fresh envelope.
func NewProto(m proto.Message) (*Proto, error) {
	raw, err := proto.Marshal(m)
	if err != nil {
		return nil, status.Wrapf(status.InvalidArgument, err, "serialize message")
	}
	data := make([]byte, protocol.LenValHeader+len(raw))
	binary.LittleEndian.PutUint64(data, uint64(len(raw)))
	copy(data[protocol.LenValHeader:], raw)
	return &Proto{data: data}, nil
}

func (p *Proto) Type() protocol.VarType { return protocol.TypeProto }

// Size is the full envelope length including the prefix.
func (p *Proto) Size() uint64 { return uint64(len(p.data)) }

func (p *Proto) ValueBits() uint64     { return uint64(p.remote) }
func (p *Proto) SetValueBits(b uint64) {}

func (p *Proto) reserveSize() uint64 { return p.Size() }

// GetMessage deserializes the envelope into m.
func (p *Proto) GetMessage(m proto.Message) error {
	if len(p.data) < protocol.LenValHeader {
		return status.Errorf(status.InvalidArgument, "envelope of %d bytes has no length prefix", len(p.data))
	}
	n := binary.LittleEndian.Uint64(p.data)
	if n != uint64(len(p.data)-protocol.LenValHeader) {
		return status.Errorf(status.InvalidArgument,
			"length prefix %d does not match %d payload bytes", n, len(p.data)-protocol.LenValHeader)
	}
	if err := proto.Unmarshal(p.data[protocol.LenValHeader:], m); err != nil {
		return status.Wrapf(status.InvalidArgument, err, "deserialize message")
	}
	return nil
}

func (p *Proto) transferTo(ch *rpc.Channel) error {
	if err := requireRemote(p); err != nil {
		return err
	}
	return ch.TransferTo(uint64(p.remote), p.data)
}

func (p *Proto) transferFrom(ch *rpc.Channel) error {
	if err := requireRemote(p); err != nil {
		return err
	}
	hdr, err := ch.TransferFrom(uint64(p.remote), protocol.LenValHeader)
	if err != nil {
		return err
	}
	n := binary.LittleEndian.Uint64(hdr)
	if n > maxLenValContent {
		return status.Errorf(status.Internal, "worker reports %d message bytes", n)
	}
	raw, err := ch.TransferFrom(uint64(p.remote)+protocol.LenValHeader, n)
	if err != nil {
		return err
	}
	data := make([]byte, protocol.LenValHeader+n)
	binary.LittleEndian.PutUint64(data, n)
	copy(data[protocol.LenValHeader:], raw)
	p.data = data
	return nil
}
