package codec

import (
	"encoding/binary"
	"errors"
	"math"

	"ack-rpc/message"
)

var (
	ErrNotEnvelope = errors.New("codec: v must be *message.Envelope")
	ErrShortBuffer = errors.New("BinaryCodec: truncated data")
	ErrKeyTooLong  = errors.New("BinaryCodec: key longer than 65535 bytes")
)

// BinaryCodec lays out an Envelope as
//
//	keyLen uint16 | key | sentAt int64 | bodyLen uint32 | body
//
// all big endian.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, ErrNotEnvelope
	}
	if len(env.Key) > math.MaxUint16 {
		return nil, ErrKeyTooLong
	}

	total := 2 + len(env.Key) + 8 + 4 + len(env.Body)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(env.Key)))
	offset += 2
	offset += copy(buf[offset:], env.Key)

	binary.BigEndian.PutUint64(buf[offset:], uint64(env.SentAt))
	offset += 8

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(env.Body)))
	offset += 4
	copy(buf[offset:], env.Body)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return ErrNotEnvelope
	}

	offset := 0
	if len(data) < offset+2 {
		return ErrShortBuffer
	}
	keyLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if len(data) < offset+keyLen+8+4 {
		return ErrShortBuffer
	}
	env.Key = string(data[offset : offset+keyLen])
	offset += keyLen

	env.SentAt = int64(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	bodyLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if len(data)-offset != bodyLen {
		return ErrShortBuffer
	}
	env.Body = make([]byte, bodyLen)
	copy(env.Body, data[offset:])
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
