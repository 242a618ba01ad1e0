// Package message defines the envelope exchanged between client and server.
//
// RPCMessage is serialized by the codec layer and wrapped in a protocol frame.
// The same envelope is used for every frame that carries a body except
// WindowUpdate, whose body is a bare credit count.
package message

// Kind tells the server which interaction pattern the caller expects.
// The values match dispatch.Kind.
type Kind uint8

const (
	KindUnary        Kind = 0
	KindServerStream Kind = 1
	KindBiStream     Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindUnary:
		return "unary"
	case KindServerStream:
		return "server-stream"
	case KindBiStream:
		return "bidi-stream"
	default:
		return "unknown"
	}
}

// RPCMessage carries the data for one frame of a call.
//
//   - Request:    ServiceMethod and Kind are set, Payload holds the serialized args.
//   - Response:   Payload holds the serialized reply, Error is non-empty on failure.
//   - StreamItem: only Payload is set.
//   - StreamEnd:  Error is non-empty when the stream terminated with a failure.
//
// The cbor tags give the CBOR codec integer map keys.
type RPCMessage struct {
	ServiceMethod string `cbor:"1,keyasint,omitempty"` // Format: "ServiceName.MethodName", e.g., "PaymentService.Process"
	Kind          Kind   `cbor:"2,keyasint,omitempty"`
	Error         string `cbor:"3,keyasint,omitempty"`
	Payload       []byte `cbor:"4,keyasint,omitempty"` // JSON bytes by convention, opaque to the core
}
