package codec

import (
	"encoding/binary"
	"errors"

	"chanrpc/meta"
)

// BinaryCodec encodes the envelope with fixed-width length prefixes.
//
// Layout, all integers big-endian:
//
//	flags(1) | svcLen(2) svc | mthLen(2) mth | transmissionID(8) |
//	errorCode(4) | errLen(2) err | msgLen(4) msg
//
// flags bit 0 is FromStub.
type BinaryCodec struct{}

var errTruncated = errors.New("BinaryCodec: truncated envelope")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	md, ok := v.(*meta.MetaData)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *meta.MetaData")
	}

	total := 1 + 2 + len(md.ServiceName) + 2 + len(md.MethodName) + 8 + 4 +
		2 + len(md.ErrorText) + 4 + len(md.Message)
	buf := make([]byte, total)

	offset := 0
	if md.FromStub {
		buf[offset] = 1
	}
	offset++

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(md.ServiceName)))
	offset += 2
	copy(buf[offset:], md.ServiceName)
	offset += len(md.ServiceName)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(md.MethodName)))
	offset += 2
	copy(buf[offset:], md.MethodName)
	offset += len(md.MethodName)

	binary.BigEndian.PutUint64(buf[offset:offset+8], md.TransmissionID)
	offset += 8

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(md.ErrorCode))
	offset += 4

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(md.ErrorText)))
	offset += 2
	copy(buf[offset:], md.ErrorText)
	offset += len(md.ErrorText)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(md.Message)))
	offset += 4
	copy(buf[offset:], md.Message)

	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	md, ok := v.(*meta.MetaData)
	if !ok {
		return errors.New("BinaryCodec: v must be *meta.MetaData")
	}

	offset := 0
	if len(data) < 1 {
		return errTruncated
	}
	md.FromStub = data[offset]&1 == 1
	offset++

	svc, n, err := readString16(data, offset)
	if err != nil {
		return err
	}
	md.ServiceName = svc
	offset = n

	mth, n, err := readString16(data, offset)
	if err != nil {
		return err
	}
	md.MethodName = mth
	offset = n

	if len(data) < offset+12 {
		return errTruncated
	}
	md.TransmissionID = binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8
	md.ErrorCode = int32(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4

	errText, n, err := readString16(data, offset)
	if err != nil {
		return err
	}
	md.ErrorText = errText
	offset = n

	if len(data) < offset+4 {
		return errTruncated
	}
	msgLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+msgLen {
		return errTruncated
	}
	if msgLen == 0 {
		md.Message = nil
	} else {
		md.Message = make([]byte, msgLen)
		copy(md.Message, data[offset:offset+msgLen])
	}

	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func readString16(data []byte, offset int) (string, int, error) {
	if len(data) < offset+2 {
		return "", 0, errTruncated
	}
	strLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+strLen {
		return "", 0, errTruncated
	}
	return string(data[offset : offset+strLen]), offset + strLen, nil
}
