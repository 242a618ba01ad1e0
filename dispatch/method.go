package dispatch

import (
	"fmt"
	"strings"
)

// Kind is the interaction pattern of a method.
type Kind uint8

const (
	KindUnary Kind = iota
	KindServerStream
	KindBiStream
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
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MethodID identifies a method by service and method name.
type MethodID struct {
	Service string
	Method  string
}

func (m MethodID) String() string {
	return m.Service + "." + m.Method
}

// ParseMethodID parses the "Service.Method" form.
func ParseMethodID(serviceMethod string) (MethodID, error) {
	service, method, ok := strings.Cut(serviceMethod, ".")
	if !ok || service == "" || method == "" || strings.Contains(method, ".") {
		return MethodID{}, fmt.Errorf("invalid service method format: %q", serviceMethod)
	}
	return MethodID{Service: service, Method: method}, nil
}
