// Package wire implements the length-prefixed, tagged, versioned record
// framing used for every queue payload and registry value.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// CurrentVersion is written at offset 0 of every framed record.
const CurrentVersion byte = 1

// Envelope is the tagged union every queue record and registry value is
// wrapped in. Kind names the Go type the Payload decodes to; consumers that
// do not recognise Kind reject the record without attempting to decode it.
type Envelope struct {
	Version byte
	Kind    string
	Payload []byte
}

// Encode marshals v as JSON and wraps it in an Envelope tagged with kind.
func Encode(kind string, v interface{}) (Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: marshal %s: %w", kind, err)
	}
	return Envelope{Version: CurrentVersion, Kind: kind, Payload: payload}, nil
}

// Decode unmarshals the envelope's payload into v. Callers should check
// Kind before calling Decode when multiple record types share a queue.
func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("wire: unmarshal %s: %w", e.Kind, err)
	}
	return nil
}

// Marshal serialises the envelope to the on-wire byte form:
// [1 byte version][4 byte BE kind length][kind][4 byte BE payload length][payload]
func (e Envelope) Marshal() []byte {
	out := make([]byte, 0, 1+4+len(e.Kind)+4+len(e.Payload))
	out = append(out, e.Version)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Kind)))
	out = append(out, lenBuf[:]...)
	out = append(out, e.Kind...)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, e.Payload...)
	return out
}

// Unmarshal parses the on-wire byte form produced by Marshal.
func Unmarshal(b []byte) (Envelope, error) {
	if len(b) < 1+4 {
		return Envelope{}, fmt.Errorf("wire: record too short (%d bytes)", len(b))
	}
	version := b[0]
	pos := 1
	kindLen := binary.BigEndian.Uint32(b[pos : pos+4])
	pos += 4
	if uint32(len(b)-pos) < kindLen {
		return Envelope{}, fmt.Errorf("wire: truncated kind field")
	}
	kind := string(b[pos : pos+int(kindLen)])
	pos += int(kindLen)
	if len(b)-pos < 4 {
		return Envelope{}, fmt.Errorf("wire: truncated payload length")
	}
	payloadLen := binary.BigEndian.Uint32(b[pos : pos+4])
	pos += 4
	if uint32(len(b)-pos) < payloadLen {
		return Envelope{}, fmt.Errorf("wire: truncated payload")
	}
	payload := b[pos : pos+int(payloadLen)]
	return Envelope{Version: version, Kind: kind, Payload: payload}, nil
}

// EncodeRecord is a convenience that encodes v and returns the on-wire bytes
// directly, for callers (queue push, registry CAS) that only need bytes.
func EncodeRecord(kind string, v interface{}) ([]byte, error) {
	env, err := Encode(kind, v)
	if err != nil {
		return nil, err
	}
	return env.Marshal(), nil
}

// DecodeRecord parses on-wire bytes and unmarshals the payload into v in one
// step, checking that the record's Kind matches the expected one.
func DecodeRecord(b []byte, wantKind string, v interface{}) error {
	env, err := Unmarshal(b)
	if err != nil {
		return err
	}
	if env.Kind != wantKind {
		return fmt.Errorf("wire: kind mismatch: want %q, got %q", wantKind, env.Kind)
	}
	return env.Decode(v)
}
