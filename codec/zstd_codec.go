package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// maxDecodedBody caps the size of a decompressed envelope.
const maxDecodedBody = 64 << 20

// ZstdCodec compresses the output of an inner codec with zstd.
// EncodeAll/DecodeAll are safe for concurrent use, so one instance is shared.
type ZstdCodec struct {
	inner   Codec
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCodec wraps inner. It panics if the zstd coders cannot be built, which
// only happens with invalid options.
func NewZstdCodec(inner Codec) *ZstdCodec {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("codec: zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBody))
	if err != nil {
		panic(fmt.Sprintf("codec: zstd decoder: %v", err))
	}
	return &ZstdCodec{inner: inner, encoder: enc, decoder: dec}
}

func (c *ZstdCodec) Encode(v any) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

func (c *ZstdCodec) Decode(data []byte, v any) error {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("ZstdCodec: %w", err)
	}
	return c.inner.Decode(raw, v)
}

func (c *ZstdCodec) Type() CodecType {
	return CodecTypeZstd
}
