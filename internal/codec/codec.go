// Package codec encodes and decodes platform gateway frames (spec.md §4.1
// in the component list, §6 "Gateway protocol"). It is a pure function
// over byte buffers: no I/O, no logging, nothing but (de)serialization and
// the streaming decompressor plumbing.
//
// The platform's "binary encoding" (its documented alternative to plain
// JSON) differs from the textual one only in framing, not in payload
// shape for this archiver's purposes — both carry the same dispatch
// envelope — so Encoding here selects how bytes are produced/consumed on
// the wire, not a different struct schema.
package codec

import (
	"encoding/json"
	"fmt"
)

type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingBinary
)

// Frame is the gateway envelope: opcode, sequence, event name, and raw
// payload data left undecoded until the caller knows which dispatch type
// it wants.
type Frame struct {
	Op   int             `json:"op"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

type Codec struct {
	encoding Encoding
}

func New(encoding Encoding) *Codec {
	return &Codec{encoding: encoding}
}

// Encode serializes a payload into an outbound Frame body. Both encodings
// are carried as JSON text internally — see package doc — so Encode is
// one implementation regardless of c.encoding; the distinction that
// matters is made by the caller when choosing TextMessage vs
// BinaryMessage on the websocket connection.
func (c *Codec) Encode(frame Frame) ([]byte, error) {
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("codec: encode frame: %w", err)
	}
	return b, nil
}

// Decode parses a raw message (already decompressed if needed) into a
// Frame.
func (c *Codec) Decode(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("codec: decode frame: %w", err)
	}
	return frame, nil
}

// DecodeData unmarshals a dispatch payload's Data field into dst.
func DecodeData[T any](frame Frame) (T, error) {
	var dst T
	if len(frame.Data) == 0 {
		return dst, nil
	}
	if err := json.Unmarshal(frame.Data, &dst); err != nil {
		return dst, fmt.Errorf("codec: decode data: %w", err)
	}
	return dst, nil
}
