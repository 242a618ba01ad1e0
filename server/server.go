// Package server implements the RPC server: service registration, the
// middleware chain for unary calls, streaming calls with flow control, and
// graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → serveConn (single goroutine reads frames)
//	  → Request(unary):  go handleUnary → Middleware Chain → Dispatcher → write Response
//	  → Request(stream): Dispatcher spawns the call task; go pump → StreamItem... StreamEnd
//	  → StreamItem/StreamEnd from the client feed a bidi call's inbound stream
//	  → Cancel / connection loss → Call.Cancel
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"stream-rpc/dispatch"
	"stream-rpc/flow"
	"stream-rpc/message"
	"stream-rpc/middleware"
	"stream-rpc/registry"
)

var (
	ErrServerStarted = errors.New("rpc: server already serving")
	ErrServerClosed  = errors.New("rpc: server closed")
	// ErrDuplicateStream rejects a request whose sequence number belongs to a
	// stream that is still open.
	ErrDuplicateStream = errors.New("rpc: stream sequence already in use")
	// ErrStreamWindowExceeded ends a bidirectional stream whose client sent
	// more items than it had credits for.
	ErrStreamWindowExceeded = errors.New("rpc: client exceeded stream window")
	// ErrStreamAborted ends a stream the server stopped for any other reason.
	ErrStreamAborted = errors.New("rpc: stream aborted")
)

const (
	DefaultStreamWindow = 16
	DefaultRegistryTTL  = 10 // seconds
)

// Option configures a Server.
type Option func(*Server)

// WithStreamCapacity sets the outbound buffer of each streaming call.
func WithStreamCapacity(n int) Option {
	return func(s *Server) { s.dispatchCfg.Capacity = n }
}

// WithMaxStreams caps concurrent streaming calls; 0 means no limit.
func WithMaxStreams(n int) Option {
	return func(s *Server) { s.dispatchCfg.MaxStreams = n }
}

// WithStreamWindow sets how many inbound items of a bidi call the server
// buffers. It is the credit granted to the client when the stream opens.
func WithStreamWindow(n int) Option {
	return func(s *Server) {
		if n > 0 && n <= flow.MaxWindow {
			s.window = n
		}
	}
}

// WithHook installs a dispatch hook, e.g. telemetry.
func WithHook(h dispatch.Hook) Option {
	return func(s *Server) { s.dispatchCfg.Hook = h }
}

// WithRegistry registers every service under advertiseAddr when serving
// starts. An empty advertiseAddr means the listener address, which is only
// routable if the server listens on a concrete IP.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		if ttl > 0 {
			s.registryTTL = ttl
		}
	}
}

// WithIdleTimeout closes connections that send nothing, heartbeats included,
// for d. 0 disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// Server is the RPC server.
type Server struct {
	dispatchCfg dispatch.Config
	dispatcher  *dispatch.Dispatcher
	window      int
	idleTimeout time.Duration

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(unaryHandler)))

	registry      registry.Registry
	advertiseAddr string
	registryTTL   int64
	registered    []string // services published to the registry

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	serving  atomic.Bool
	shutdown atomic.Bool
	wg       sync.WaitGroup // in-flight unary requests and stream pumps
}

// NewServer creates a server with no services.
func NewServer(opts ...Option) *Server {
	s := &Server{
		window:      DefaultStreamWindow,
		registryTTL: DefaultRegistryTTL,
		conns:       make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = dispatch.NewDispatcher(s.dispatchCfg)
	return s
}

// Register registers the RPC methods of rcvr (e.g. &PaymentService{}) as
// unary methods of the service named after its type.
func (s *Server) Register(rcvr any) error {
	if s.serving.Load() {
		return ErrServerStarted
	}
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	for name, mt := range svc.method {
		if err := s.dispatcher.Register(svc.name, name, svc.handler(mt)); err != nil {
			return err
		}
	}
	return nil
}

// Handle registers a handler of any interaction kind.
func (s *Server) Handle(service, method string, h dispatch.Handler) error {
	if s.serving.Load() {
		return ErrServerStarted
	}
	return s.dispatcher.Register(service, method, h)
}

// Use appends a middleware for unary calls. Middlewares run in the order
// they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Dispatcher exposes the call core, mainly for inspection.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// ListenAndServe listens on network/address and serves.
func (s *Server) ListenAndServe(network, address string) error {
	lis, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve publishes the services to the registry, if any, and accepts
// connections until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	if !s.serving.CompareAndSwap(false, true) {
		return ErrServerStarted
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	// Built once at startup, not per request.
	s.handler = middleware.Chain(s.middlewares...)(s.unaryHandler)

	if s.registry != nil {
		if err := s.publish(); err != nil {
			lis.Close()
			return err
		}
	}
	logrus.WithFields(logrus.Fields{
		"addr":     lis.Addr().String(),
		"services": s.dispatcher.Services(),
	}).Info("RPC server listening")

	for {
		nc, err := lis.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		c := newConn(s, nc)
		s.mu.Lock()
		if s.shutdown.Load() {
			s.mu.Unlock()
			nc.Close()
			return nil
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go c.serve()
	}
}

// Addr returns the listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) publish() error {
	addr := s.advertiseAddr
	if addr == "" {
		addr = s.listener.Addr().String()
		s.advertiseAddr = addr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, name := range s.dispatcher.Services() {
		err := s.registry.Register(ctx, name, registry.ServiceInstance{Addr: addr, Weight: 1}, s.registryTTL)
		if err != nil {
			return fmt.Errorf("register %s at %s: %w", name, addr, err)
		}
		s.registered = append(s.registered, name)
	}
	return nil
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// unaryHandler is the innermost handler of the middleware chain.
func (s *Server) unaryHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	reply := &message.RPCMessage{ServiceMethod: req.ServiceMethod, Kind: message.KindUnary}
	id, err := dispatch.ParseMethodID(req.ServiceMethod)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	call, err := s.dispatcher.Dispatch(ctx, dispatch.Invocation{Method: id, Kind: dispatch.KindUnary, Payload: req.Payload})
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.Payload = call.Reply()
	return reply
}

// Shutdown stops the server gracefully:
//  1. Deregister from the registry, so clients stop routing here
//  2. Set the shutdown flag and close the listener
//  3. Cancel streaming calls and wait for their tasks
//  4. Wait for in-flight unary requests and stream pumps
//  5. Close the remaining connections
//
// Steps 3 and 4 share the timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.registry != nil {
		for _, name := range s.registered {
			if err := s.registry.Deregister(ctx, name, s.advertiseAddr); err != nil {
				logrus.WithError(err).WithField("service", name).Warn("Failed to deregister service")
			}
		}
	}

	// The flag goes first so the Accept error reads as intentional.
	s.shutdown.Store(true)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	var errs []error
	if err := s.dispatcher.Supervisor().Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for stream tasks: %w", err))
	}
	s.mu.Lock()
	for c := range s.conns {
		c.stopStreams()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}

	s.mu.Lock()
	for c := range s.conns {
		c.nc.Close()
	}
	s.mu.Unlock()

	logrus.Info("RPC server stopped")
	return errors.Join(errs...)
}
