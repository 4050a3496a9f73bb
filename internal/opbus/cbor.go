package opbus

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes envelopes as a CBOR map with "op" and "d" keys. It is not
// wire compatible with JSONCodec; every peer on a channel must use the same codec.
type CBORCodec struct {
	dec cbor.DecMode
}

func NewCBORCodec() (*CBORCodec, error) {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBORCodec{dec: dm}, nil
}

func (c *CBORCodec) Encode(env Envelope) ([]byte, error) {
	return cbor.Marshal(env)
}

func (c *CBORCodec) Decode(b []byte) (Envelope, error) {
	var fields map[string]cbor.RawMessage
	if err := c.dec.Unmarshal(b, &fields); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	rawOp, ok := fields["op"]
	if !ok {
		return Envelope{}, &DecodeError{Reason: "missing op"}
	}
	rawD, ok := fields["d"]
	if !ok {
		return Envelope{}, &DecodeError{Reason: "missing d"}
	}
	// Major types 0 and 1 are the unsigned and negative integers.
	if len(rawOp) == 0 || rawOp[0]>>5 > 1 {
		return Envelope{}, &DecodeError{Reason: "op is not an integer"}
	}
	var op int
	if err := c.dec.Unmarshal(rawOp, &op); err != nil {
		return Envelope{}, &DecodeError{Reason: "op is not an integer", Err: err}
	}
	var d any
	if err := c.dec.Unmarshal(rawD, &d); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed payload", Err: err}
	}
	return Envelope{Op: op, D: d}, nil
}
