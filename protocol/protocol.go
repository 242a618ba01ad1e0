// Package protocol implements the binary frame protocol.
//
// A fixed 14-byte header is followed by a variable-length body, so the reader
// always knows how many bytes belong to the current frame.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mrp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// Seq identifies one call on the connection. Unary calls use one Request and
// one Response frame. Streaming calls open with a Request and then exchange
// StreamItem, StreamEnd, Cancel and WindowUpdate frames under the same seq.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body.
	MaxBodyLen uint32 = 64 << 20
)

type MsgType byte

const (
	MsgTypeRequest      MsgType = 0 // Client → Server: opens a call
	MsgTypeResponse     MsgType = 1 // Server → Client: unary result
	MsgTypeHeartbeat    MsgType = 2 // Client → Server keepalive (no body)
	MsgTypeStreamItem   MsgType = 3 // Either direction: one stream item
	MsgTypeStreamEnd    MsgType = 4 // Either direction: half close, carries terminal error from the server
	MsgTypeCancel       MsgType = 5 // Client → Server: caller stopped consuming (no body)
	MsgTypeWindowUpdate MsgType = 6 // Either direction: grant more stream credits
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeStreamItem:
		return "stream-item"
	case MsgTypeStreamEnd:
		return "stream-end"
	case MsgTypeCancel:
		return "cancel"
	case MsgTypeWindowUpdate:
		return "window-update"
	default:
		return fmt.Sprintf("msgtype(%d)", byte(t))
	}
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
	CodecTypeZstd   byte = 2
	CodecTypeCBOR   byte = 3
)

type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32
	BodyLen   uint32
}

// Encode writes a complete frame to w. Header and body go out in one Write so
// that a frame is never split across writers; callers sharing w must still
// serialize calls to Encode.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r and validates its header.
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
	if headerBuf[4] > CodecTypeCBOR {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeWindowUpdate {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}

// EncodeWindowUpdate builds the body of a WindowUpdate frame.
func EncodeWindowUpdate(credits uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, credits)
}

// DecodeWindowUpdate parses the body of a WindowUpdate frame.
func DecodeWindowUpdate(body []byte) (uint32, error) {
	if len(body) != 4 {
		return 0, fmt.Errorf("invalid window update body length: %d", len(body))
	}
	return binary.BigEndian.Uint32(body), nil
}
