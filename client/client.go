// Package client is the caller side of the framework: it discovers instances
// through a registry, picks one with a balancer and runs the call over a
// pooled, multiplexed transport.
//
//	Call ──► middleware chain ──► Discover ──► Pick ──► transport.Invoke
//	Stream / BiStream ─────────► Discover ──► Pick ──► transport.OpenStream
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stream-rpc/codec"
	"stream-rpc/dispatch"
	"stream-rpc/loadbalance"
	"stream-rpc/message"
	"stream-rpc/middleware"
	"stream-rpc/registry"
	"stream-rpc/transport"
)

// RemoteError is a failure reported by the server or the connection for
// one call.
type RemoteError = transport.RemoteError

// Option configures a Client.
type Option func(*Client)

// WithMiddleware appends a middleware to the unary call chain, e.g.
// middleware.RetryMiddleware.
func WithMiddleware(mw middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mw) }
}

// WithTransportOptions configures every transport the client dials.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Client) { c.transportOpts = append(c.transportOpts, opts...) }
}

// WithDialTimeout bounds how long connecting to an instance may take.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// Client calls services found in a registry. It keeps a small pool of
// transports per instance and is safe for concurrent use.
type Client struct {
	registry      registry.Registry
	balancer      loadbalance.Balancer
	codecType     codec.CodecType
	poolSize      int
	dialTimeout   time.Duration
	transportOpts []transport.Option

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	mu    sync.Mutex
	pools map[string]*pool // by instance address
}

// pool holds up to size transports to one address. Transports are shared by
// concurrent calls and handed out in turn.
type pool struct {
	transports []*transport.ClientTransport
	next       int
}

// NewClient builds a client that resolves services through reg and picks
// instances with bal. poolSize below 1 means one transport per instance.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, codecType codec.CodecType, poolSize int, opts ...Option) *Client {
	if poolSize <= 0 {
		poolSize = 1
	}
	c := &Client{
		registry:    reg,
		balancer:    bal,
		codecType:   codecType,
		poolSize:    poolSize,
		dialTimeout: 5 * time.Second,
		pools:       make(map[string]*pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handler = middleware.Chain(c.middlewares...)(c.invoke)
	return c
}

// Call invokes a unary method: args is JSON-encoded, the reply decoded into
// reply. A failure reported by the server is a *RemoteError.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	if _, err := dispatch.ParseMethodID(serviceMethod); err != nil {
		return err
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args for %s: %w", serviceMethod, err)
	}

	resp := c.handler(ctx, &message.RPCMessage{ServiceMethod: serviceMethod, Kind: message.KindUnary, Payload: payload})
	if resp.Error != "" {
		return &RemoteError{Method: serviceMethod, Message: resp.Error}
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, reply); err != nil {
		return fmt.Errorf("decode reply of %s: %w", serviceMethod, err)
	}
	return nil
}

// invoke is the innermost handler of the chain.
func (c *Client) invoke(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	t, err := c.pick(ctx, req.ServiceMethod)
	if err != nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}
	}
	return t.Invoke(ctx, req)
}

// Stream starts a server-streaming call. ctx bounds the whole stream.
func (c *Client) Stream(ctx context.Context, serviceMethod string, args any) (*Stream, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args for %s: %w", serviceMethod, err)
	}
	return c.open(ctx, serviceMethod, message.KindServerStream, payload)
}

// BiStream starts a bidirectional call. ctx bounds the whole stream.
func (c *Client) BiStream(ctx context.Context, serviceMethod string) (*Stream, error) {
	return c.open(ctx, serviceMethod, message.KindBiStream, nil)
}

func (c *Client) open(ctx context.Context, serviceMethod string, kind message.Kind, payload []byte) (*Stream, error) {
	if _, err := dispatch.ParseMethodID(serviceMethod); err != nil {
		return nil, err
	}
	t, err := c.pick(ctx, serviceMethod)
	if err != nil {
		return nil, err
	}
	cs, err := t.OpenStream(ctx, serviceMethod, kind, payload)
	if err != nil {
		return nil, err
	}
	return &Stream{ctx: ctx, cs: cs}, nil
}

// pick resolves serviceMethod to a transport: registry, then balancer, then
// the address's pool.
func (c *Client) pick(ctx context.Context, serviceMethod string) (*transport.ClientTransport, error) {
	id, err := dispatch.ParseMethodID(serviceMethod)
	if err != nil {
		return nil, err
	}
	instances, err := c.registry.Discover(ctx, id.Service)
	if err != nil {
		return nil, err
	}
	instance, err := c.balancer.Pick(serviceMethod, instances)
	if err != nil {
		return nil, err
	}
	return c.getTransport(instance.Addr)
}

// getTransport returns the next transport of addr's pool, dialing when the
// slot is empty or its connection died.
func (c *Client) getTransport(addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pools[addr]
	if !ok {
		p = &pool{transports: make([]*transport.ClientTransport, c.poolSize)}
		c.pools[addr] = p
	}
	i := p.next
	p.next = (p.next + 1) % len(p.transports)

	if t := p.transports[i]; t != nil && t.Err() == nil {
		return t, nil
	}
	conn, err := net.DialTimeout("tcp", addr, c.dialTimeout)
	if err != nil {
		return nil, err
	}
	logrus.WithField("addr", addr).Debug("Dialed transport")
	t := transport.NewClientTransport(conn, c.codecType, c.transportOpts...)
	p.transports[i] = t
	return t, nil
}

// Close closes every pooled transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, p := range c.pools {
		for _, t := range p.transports {
			if t != nil {
				t.Close()
			}
		}
		delete(c.pools, addr)
	}
	return nil
}

// Stream is a typed view of a streaming call with JSON items.
type Stream struct {
	ctx context.Context
	cs  *transport.ClientStream
}

// Recv decodes the next item into v. It returns io.EOF at the end of the
// stream and a *RemoteError if the server ended it with a failure.
func (s *Stream) Recv(v any) error {
	b, err := s.cs.Recv(s.ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode item of %s: %w", s.cs.Method(), err)
	}
	return nil
}

// Send encodes v and sends it on a bidirectional call.
func (s *Stream) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode item for %s: %w", s.cs.Method(), err)
	}
	return s.cs.Send(s.ctx, b)
}

// CloseSend half-closes a bidirectional call.
func (s *Stream) CloseSend() error {
	return s.cs.CloseSend()
}

// Close stops the call; the server's task ends on its next send.
func (s *Stream) Close() error {
	return s.cs.Close()
}
