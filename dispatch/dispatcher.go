// Package dispatch is the call core: it picks the handler for an inbound call
// and runs it according to its interaction kind.
//
//	Invocation ─► Dispatcher ─┬─ unary:        handler runs inline ─► reply | *HandlerFailure
//	                          ├─ server-stream: task: Produce ─► channel ─► Call.Recv
//	                          └─ bidi-stream:   task: Inbound.Recv ─► Transform ─► channel ─► Call.Recv
//
// Every streaming call gets exactly one background task, started by the
// Supervisor before Dispatch returns. The task owns the sending half of the
// call's bounded channel; whoever drains the call owns the receiving half.
// Cancellation is cooperative: Call.Cancel closes the receiving half, and the
// task notices on its next send.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the outbound channel capacity used when none is set.
const DefaultCapacity = 16

// Config tunes a Dispatcher.
type Config struct {
	// Capacity of each streaming call's outbound channel. Defaults to 16.
	Capacity int
	// MaxStreams caps concurrent streaming calls; 0 means no limit.
	MaxStreams int
	// Hook, if set, observes every dispatched call.
	Hook Hook
}

// Dispatcher maps methods to handlers and runs calls.
type Dispatcher struct {
	mu         sync.RWMutex
	handlers   map[MethodID]Handler
	capacity   int
	hook       Hook
	supervisor *Supervisor
}

// NewDispatcher returns an empty dispatcher; zero Config fields take their
// defaults.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Dispatcher{
		handlers:   make(map[MethodID]Handler),
		capacity:   cfg.Capacity,
		hook:       cfg.Hook,
		supervisor: NewSupervisor(cfg.MaxStreams),
	}
}

// Register adds a handler. Registering a method twice is a configuration
// error.
func (d *Dispatcher) Register(service, method string, h Handler) error {
	id := MethodID{Service: service, Method: method}
	if service == "" || method == "" {
		return fmt.Errorf("%w: empty service or method name in %q", ErrInvalidHandler, id)
	}
	if err := h.validate(); err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[id]; ok {
		return fmt.Errorf("register %s: %w", id, ErrDuplicateMethod)
	}
	d.handlers[id] = h
	return nil
}

// Methods returns the registered methods in lexical order.
func (d *Dispatcher) Methods() []MethodID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]MethodID, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Services returns the distinct service names in lexical order.
func (d *Dispatcher) Services() []string {
	var names []string
	seen := make(map[string]bool)
	for _, id := range d.Methods() {
		if !seen[id.Service] {
			seen[id.Service] = true
			names = append(names, id.Service)
		}
	}
	return names
}

// SetHook replaces the dispatch hook. Call it before dispatching.
func (d *Dispatcher) SetHook(h Hook) {
	d.hook = h
}

// Supervisor returns the supervisor that owns streaming tasks.
func (d *Dispatcher) Supervisor() *Supervisor {
	return d.supervisor
}

func (d *Dispatcher) lookup(id MethodID, kind Kind) (Handler, error) {
	d.mu.RLock()
	h, ok := d.handlers[id]
	d.mu.RUnlock()
	if !ok {
		return Handler{}, fmt.Errorf("%w: %s", ErrUnknownMethod, id)
	}
	if h.Kind != kind {
		return Handler{}, fmt.Errorf("%w: %s is %s, invoked as %s", ErrInvalidInteractionKind, id, h.Kind, kind)
	}
	return h, nil
}

// Dispatch runs one call. Dispatch-level errors (unknown method, wrong kind,
// stream limit) are returned before any handler runs. A unary call returns
// after the handler, with the reply on the Call or a *HandlerFailure. A
// streaming call returns once its task is started; drain it with Call.Recv
// and collect its terminal error with Call.Wait.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) (*Call, error) {
	h, err := d.lookup(inv.Method, inv.Kind)
	if err != nil {
		return nil, err
	}
	if inv.Kind == KindBiStream && inv.Inbound == nil {
		return nil, fmt.Errorf("%w: %s has no inbound stream", ErrInvalidInteractionKind, inv.Method)
	}

	call := newCall(ctx, inv.Method, inv.Kind)
	info := CallInfo{ID: call.ID, Method: call.Method, Kind: call.Kind}
	token := d.startHook(call, info)
	log := logrus.WithFields(logrus.Fields{"call": call.ID, "method": call.Method.String(), "kind": call.Kind.String()})

	if inv.Kind == KindUnary {
		reply, err := runUnary(call.ctx, h.Unary, inv.Payload)
		if err != nil {
			err = &HandlerFailure{Method: call.Method, Reason: err}
			log.WithError(err).Warn("Unary handler failed")
		}
		call.reply = reply
		call.finish(err)
		call.cancel()
		d.endHook(call, token, info, err)
		if err != nil {
			return nil, err
		}
		return call, nil
	}

	call.openChannel(d.capacity)
	out := &Emitter{tx: call.tx, call: call}
	var task func() error
	if inv.Kind == KindServerStream {
		task = func() error { return h.Produce(call.ctx, inv.Payload, out) }
	} else {
		task = func() error { return relay(call, h.Transform, inv.Inbound, out) }
	}

	err = d.supervisor.spawn(call, func() {
		err := protect(task)
		if IsNormalClose(err) {
			log.Debug("Stream closed")
			err = nil
		} else {
			err = &HandlerFailure{Method: call.Method, Reason: err}
			log.WithError(err).Warn("Stream task failed")
		}
		call.finish(err)
		d.endHook(call, token, info, err)
		call.tx.Close()
		call.cancel()
	})
	if err != nil {
		log.WithError(err).Warn("Stream rejected")
		call.finish(err)
		call.Cancel()
		d.endHook(call, token, info, err)
		return nil, err
	}
	return call, nil
}

// relay is the bidirectional task: read one inbound item, transform it, send
// its outputs, repeat until the inbound stream ends or the caller is gone.
func relay(call *Call, transform TransformFunc, in Inbound, out *Emitter) error {
	for {
		item, err := in.Recv(call.ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		call.itemsIn.Add(1)

		outs, err := transform(call.ctx, item)
		if err != nil {
			return err
		}
		for _, o := range outs {
			if err := out.Send(call.ctx, o); err != nil {
				return err
			}
		}
	}
}

func runUnary(ctx context.Context, fn UnaryFunc, payload []byte) (reply []byte, err error) {
	err = protect(func() error {
		reply, err = fn(ctx, payload)
		return err
	})
	return reply, err
}

// protect turns a handler panic into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn()
}

func (d *Dispatcher) startHook(call *Call, info CallInfo) HookToken {
	if d.hook == nil {
		return nil
	}
	var token HookToken
	func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("call", info.ID).Errorf("Dispatch hook start panic: %v", r)
			}
		}()
		var ctx context.Context
		ctx, token = d.hook.OnDispatchStart(call.ctx, info)
		if ctx != nil && ctx != call.ctx {
			call.adopt(ctx)
		}
	}()
	return token
}

func (d *Dispatcher) endHook(call *Call, token HookToken, info CallInfo, err error) {
	if d.hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("call", info.ID).Errorf("Dispatch hook end panic: %v", r)
		}
	}()
	d.hook.OnDispatchEnd(call.ctx, token, info, call.Stats(), err)
}
