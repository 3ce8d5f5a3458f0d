package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeEnvelope,
		BodyLen:   11,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, header.CodecType)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.BodyLen != header.BodyLen {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, header.BodyLen)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	frame := []byte{
		0x00, 0x00, 0x00, // wrong magic
		Version,
		CodecTypeJSON,
		byte(MsgTypeEnvelope),
		0x00, 0x00, 0x00, 0x00,
	}
	_, _, err := Decode(bytes.NewReader(frame))
	if err == nil {
		t.Fatal("expected error for invalid magic number, got nil")
	}
	if !strings.Contains(err.Error(), "invalid magic number") {
		t.Errorf("error message should mention the magic number, got: %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	frame := []byte{
		MagicByte1, MagicByte2, MagicByte3,
		0xFF, // wrong version
		CodecTypeJSON,
		byte(MsgTypeEnvelope),
		0x00, 0x00, 0x00, 0x00,
	}
	_, _, err := Decode(bytes.NewReader(frame))
	if err == nil {
		t.Fatal("expected error for invalid version, got nil")
	}
	if !strings.Contains(err.Error(), "unsupported version") {
		t.Errorf("error message should mention the version, got: %v", err)
	}
}

func TestDecodeInvalidCodecType(t *testing.T) {
	frame := []byte{
		MagicByte1, MagicByte2, MagicByte3,
		Version,
		0x7F, // unknown codec
		byte(MsgTypeEnvelope),
		0x00, 0x00, 0x00, 0x00,
	}
	_, _, err := Decode(bytes.NewReader(frame))
	if err == nil || !strings.Contains(err.Error(), "unsupported codec type") {
		t.Errorf("expected codec type error, got: %v", err)
	}
}

func TestDecodeInvalidMsgType(t *testing.T) {
	frame := []byte{
		MagicByte1, MagicByte2, MagicByte3,
		Version,
		CodecTypeJSON,
		0x7F, // unknown message type
		0x00, 0x00, 0x00, 0x00,
	}
	_, _, err := Decode(bytes.NewReader(frame))
	if err == nil || !strings.Contains(err.Error(), "unsupported message type") {
		t.Errorf("expected message type error, got: %v", err)
	}
}

func TestHeartbeatFrameHasNoBody(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeHeartbeat,
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Errorf("heartbeat frame should be header-only, got %d bytes", buf.Len())
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeHeartbeat)
	}
	if len(decodedBody) != 0 {
		t.Errorf("expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeOversizedBody(t *testing.T) {
	frame := make([]byte, HeaderSize)
	frame[0], frame[1], frame[2] = MagicByte1, MagicByte2, MagicByte3
	frame[3] = Version
	frame[4] = CodecTypeJSON
	frame[5] = byte(MsgTypeEnvelope)
	binary.BigEndian.PutUint32(frame[6:10], MaxBodyLen+1)

	_, _, err := Decode(bytes.NewReader(frame))
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected body size error, got: %v", err)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeBinary,
		MsgType:   MsgTypeEnvelope,
		BodyLen:   uint32(len(largeBody)),
	}

	var buf bytes.Buffer
	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Error("large body mismatch after roundtrip")
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	header := Header{CodecType: CodecTypeJSON, MsgType: MsgTypeEnvelope, BodyLen: 5}
	if err := Encode(&buf, &header, []byte("hello")); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-2]

	_, _, err := Decode(bytes.NewReader(truncated))
	if err == nil {
		t.Fatal("expected error for truncated body, got nil")
	}
}
