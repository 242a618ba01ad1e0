package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes envelopes as canonical CBOR (RFC 8949 core deterministic
// encoding), so equal messages always produce equal bytes.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec panics if the CBOR modes cannot be built, which only happens
// with invalid options.
func NewCBORCodec() *CBORCodec {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor encoder: %v", err))
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor decoder: %v", err))
	}
	return &CBORCodec{enc: em, dec: dm}
}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	if err := c.dec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("CBORCodec: %w", err)
	}
	return nil
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
