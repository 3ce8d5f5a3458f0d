// Package protocol implements the length-prefixed binary framing for chanrpc.
//
// TCP delivers a byte stream, so frame boundaries must be explicit: a fixed
// 10-byte header carries the body length, and the receiver reads the header
// first, then exactly that many body bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...   │
//	│ crp  │01│  │  │ uint32  │ bodyLen bytes │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// The body of an envelope frame is one codec-serialized MetaData; heartbeat
// frames have no body.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "crp" (chanrpc protocol). Rejects non-protocol
// connections early instead of feeding garbage to the codec layer.
const (
	MagicByte1 byte = 0x63 // 'c'
	MagicByte2 byte = 0x72 // 'r'
	MagicByte3 byte = 0x70 // 'p'
	Version    byte = 0x01
	HeaderSize int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame; a corrupted length prefix must not
	// translate into an unbounded allocation.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType distinguishes envelope frames from heartbeat probes.
type MsgType byte

const (
	MsgTypeEnvelope  MsgType = 0 // request or response MetaData
	MsgTypeHeartbeat MsgType = 1 // keep-alive probe (no body)
)

// Codec type constants, mirrored from the codec package to avoid a circular
// import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed 10-byte frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w. Callers sharing one
// writer across goroutines must serialize calls, otherwise frames interleave
// and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.BodyLen)

	// one Write for the whole frame; a header/body pair split across two
	// writes would still be atomic under the caller's lock, this just saves
	// a syscall
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// Decode reads one complete frame from r. It validates magic, version, codec
// type and message type, and uses io.ReadFull so partial reads never yield a
// truncated body.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType != byte(MsgTypeEnvelope) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		BodyLen:   bodyLen,
	}, body, nil
}
