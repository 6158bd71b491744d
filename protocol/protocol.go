// Package protocol implements the binary frame format spoken by request/reply sockets.
//
// TCP is a byte stream, so every message is wrapped in a fixed 13-byte header followed by a
// variable-length body. The receiver reads the header first to learn the body length, then reads
// exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5         9         13
//	┌──────┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │mt│   seq   │ bodyLen │    body ...    │
//	│ arq  │01│  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴─────────┴───────────────┘
//
// A request body is an opaque payload. A reply body is the acknowledgment marker ("ack") or
// anything else, which the client treats as a failure.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MagicNumber byte = 0x61 // 'a'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x71 // 'q'
	Version     byte = 0x01
	HeaderSize  int  = 13 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame so a corrupted header cannot trigger a huge allocation.
	MaxBodyLen uint32 = 64 << 20
)

// MsgType distinguishes request and reply frames.
type MsgType byte

const (
	MsgTypeRequest MsgType = 0 // REQ → REP
	MsgTypeReply   MsgType = 1 // REP → REQ
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeReply:
		return "reply"
	default:
		return fmt.Sprintf("MsgType(%d)", byte(t))
	}
}

// Ack is the reserved reply body meaning "request received". It never means "request processed".
var Ack = []byte("ack")

// IsAck reports whether a reply body is exactly the acknowledgment marker.
func IsAck(reply []byte) bool {
	return bytes.Equal(reply, Ack)
}

// Header represents the fixed 13-byte frame header.
type Header struct {
	MsgType MsgType // Request or Reply
	Seq     uint32  // Echoed by the replier so a stale reply is never mistaken for the current one
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w in a single Write call.
// The caller must serialise writers sharing the same w.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) != h.BodyLen {
		return fmt.Errorf("body length mismatch: header %d, body %d", h.BodyLen, len(body))
	}
	if h.BodyLen > MaxBodyLen {
		return fmt.Errorf("body too large: %d bytes", h.BodyLen)
	}

	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[5:9], h.Seq)
	binary.BigEndian.PutUint32(buf[9:13], h.BodyLen)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version and message type, and uses io.ReadFull so a frame is
// never returned half-read.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeRequest && msgType != MsgTypeReply {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[4])
	}

	seq := binary.BigEndian.Uint32(headerBuf[5:9])
	bodyLen := binary.BigEndian.Uint32(headerBuf[9:13])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		MsgType: msgType,
		Seq:     seq,
		BodyLen: bodyLen,
	}, body, nil
}
