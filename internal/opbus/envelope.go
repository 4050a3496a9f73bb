package opbus

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Envelope is the unit carried by every message on a channel.
type Envelope struct {
	Op int `json:"op" cbor:"op"`
	D  any `json:"d" cbor:"d"`
}

// Codec turns envelopes into transport payloads and back.
type Codec interface {
	Encode(env Envelope) ([]byte, error)
	Decode(b []byte) (Envelope, error)
}

// JSONCodec encodes envelopes as {"op": <int>, "d": <json value>}.
// Decoded payloads use the generic encoding/json shapes (float64, map[string]any, ...).
type JSONCodec struct{}

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Decode(b []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
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
	// Only bare integer literals are accepted; "5", 5.0 and null are rejected.
	op, err := strconv.ParseInt(string(bytes.TrimSpace(rawOp)), 10, 0)
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "op is not an integer", Err: err}
	}
	var d any
	if err := json.Unmarshal(rawD, &d); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed payload", Err: err}
	}
	return Envelope{Op: int(op), D: d}, nil
}
