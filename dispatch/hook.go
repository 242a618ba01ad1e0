package dispatch

import (
	"context"
	"time"
)

// Hook observes every dispatched call. Implementations must be safe for
// concurrent use. OnDispatchEnd runs once per successful OnDispatchStart.
//
// The context returned by OnDispatchStart becomes the handler's context. Its
// values are kept; cancellation stays with the call, so it need not derive
// from the context passed in.
type Hook interface {
	OnDispatchStart(ctx context.Context, info CallInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info CallInfo, stats Stats, err error)
}

// HookToken is opaque to the dispatcher and passed back to OnDispatchEnd.
type HookToken interface{}

// CallInfo describes a call to hooks.
type CallInfo struct {
	ID     string
	Method MethodID
	Kind   Kind
}

// Stats holds per-call counters.
type Stats struct {
	ItemsIn  int64
	ItemsOut int64
	Duration time.Duration
}
