package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"ack-rpc/message"
)

var ErrTrailingData = errors.New("JSONCodec: data after envelope")

// JSONCodec writes an Envelope as a single JSON object, e.g.
//
//	{"key":"user-42","sent_at":1700000000123456789,"body":"eyJldmVudCI6ImxvZ2luIn0="}
//
// Body is base64 as usual for []byte. Readable in tcpdump, but larger than BinaryCodec.
//
// Decode is strict: unknown fields and anything after the object are errors, so a payload meant
// for another layout is not half-read into an Envelope.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, ErrNotEnvelope
	}
	return json.Marshal(env)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return ErrNotEnvelope
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var out message.Envelope
	if err := dec.Decode(&out); err != nil {
		return fmt.Errorf("JSONCodec: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return ErrTrailingData
	}
	*env = out
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
