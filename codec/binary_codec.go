package codec

import (
	"encoding/binary"
	"errors"
	"stream-rpc/message"
)

var errShortBody = errors.New("BinaryCodec: body too short")

// BinaryCodec writes the envelope as length-prefixed fields:
//
//	methodLen(2) method kind(1) payloadLen(4) payload errLen(2) err
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.ServiceMethod) > 0xFFFF || len(msg.Error) > 0xFFFF {
		return nil, errors.New("BinaryCodec: service method or error too long")
	}

	buf := make([]byte, 0, 2+len(msg.ServiceMethod)+1+4+len(msg.Payload)+2+len(msg.Error))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)
	buf = append(buf, byte(msg.Kind))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	r := reader{data: data}
	msg.ServiceMethod = string(r.next(int(r.readUint16())))
	msg.Kind = message.Kind(r.readByte())
	payload := r.next(int(r.readUint32()))
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(r.next(int(r.readUint16())))
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a byte slice and remembers the first out-of-range read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.data) {
		r.err = errShortBody
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) readByte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) readUint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) readUint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
