package stub

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// RegisterStringOps installs the built-in string-operation library: the
// raw buffer pair working through length-prefixed buffers and the
// protobuf pair working through struct envelopes with input/output
// fields, all four returning nonzero on success, plus string_length,
// which returns the buffer's content length.
func RegisterStringOps(reg *Registry) {
	reg.Register("duplicate_string", func(c *CallCtx) (uint64, error) {
		data, err := c.LenValArg(0)
		if err != nil {
			return 0, err
		}
		if err := c.SetLenValArg(0, append(append([]byte{}, data...), data...)); err != nil {
			return 0, err
		}
		return 1, nil
	})

	reg.Register("reverse_string", func(c *CallCtx) (uint64, error) {
		data, err := c.LenValArg(0)
		if err != nil {
			return 0, err
		}
		if len(data) == 0 {
			return 1, nil
		}
		out := reverseBytes(data)
		if err := c.SetLenValArg(0, out); err != nil {
			return 0, err
		}
		return 1, nil
	})

	reg.Register("string_length", func(c *CallCtx) (uint64, error) {
		data, err := c.LenValArg(0)
		if err != nil {
			return 0, err
		}
		return uint64(len(data)), nil
	})

	reg.Register("pb_duplicate_string", func(c *CallCtx) (uint64, error) {
		return pbStringOp(c, func(in string) string { return in + in })
	})

	reg.Register("pb_reverse_string", func(c *CallCtx) (uint64, error) {
		return pbStringOp(c, func(in string) string { return string(reverseBytes([]byte(in))) })
	})
}

func pbStringOp(c *CallCtx, op func(string) string) (uint64, error) {
	var msg structpb.Struct
	if err := c.ProtoArg(0, &msg); err != nil {
		return 0, err
	}
	if msg.Fields == nil {
		msg.Fields = map[string]*structpb.Value{}
	}
	input := msg.Fields["input"].GetStringValue()
	msg.Fields["output"] = structpb.NewStringValue(op(input))
	if err := c.SetProtoArg(0, &msg); err != nil {
		return 0, err
	}
	return 1, nil
}

func reverseBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}
