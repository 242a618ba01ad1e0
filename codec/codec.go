// Package codec serializes message.RPCMessage envelopes for the frame body.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeZstd   CodecType = 2 // JSON envelope compressed with zstd
	CodecTypeCBOR   CodecType = 3 // canonical CBOR, integer keys
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

var (
	jsonCodec   = &JSONCodec{}
	binaryCodec = &BinaryCodec{}
	zstdCodec   = NewZstdCodec(jsonCodec)
	cborCodec   = NewCBORCodec()
)

// GetCodec returns the shared codec for the given type. Unknown types fall back
// to the binary codec; the protocol layer rejects them before they get here.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return jsonCodec
	case CodecTypeZstd:
		return zstdCodec
	case CodecTypeCBOR:
		return cborCodec
	default:
		return binaryCodec
	}
}

// ParseCodecType maps a config name ("json", "binary", "zstd", "cbor") to its
// CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "zstd":
		return CodecTypeZstd, nil
	case "cbor":
		return CodecTypeCBOR, nil
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", name)
	}
}
