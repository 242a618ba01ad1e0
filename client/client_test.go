package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-rpc/codec"
	"stream-rpc/dispatch"
	"stream-rpc/loadbalance"
	"stream-rpc/middleware"
	"stream-rpc/registry"
	"stream-rpc/server"
	"stream-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Fail(args *Args, reply *Reply) error {
	return fmt.Errorf("cannot handle %d", args.A)
}

type Tick struct {
	N int `json:"n"`
}

func startServer(t *testing.T, opts ...server.Option) (*server.Server, string) {
	t.Helper()
	svr := server.NewServer(opts...)
	require.NoError(t, svr.Register(&Arith{}))
	require.NoError(t, svr.Handle("Clock", "Ticks", dispatch.StreamHandler(
		func(ctx context.Context, n int, out *dispatch.TypedEmitter[Tick]) error {
			for i := 1; i <= n; i++ {
				if err := out.Send(ctx, Tick{N: i}); err != nil {
					return err
				}
			}
			return nil
		})))
	require.NoError(t, svr.Handle("Clock", "Double", dispatch.FanOutHandler(
		func(ctx context.Context, tk Tick) ([]Tick, error) {
			return []Tick{tk, tk}, nil
		})))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(lis)
	t.Cleanup(func() { svr.Shutdown(2 * time.Second) })
	return svr, lis.Addr().String()
}

func newClient(t testing.TB, codecType codec.CodecType, addrs []string, opts ...Option) *Client {
	reg := registry.NewStatic(addrs, "Arith", "Clock")
	c := NewClient(reg, &loadbalance.RoundRobinBalancer{}, codecType, 2, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientCall(t *testing.T) {
	_, addr := startServer(t)
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary, codec.CodecTypeZstd, codec.CodecTypeCBOR} {
		c := newClient(t, ct, []string{addr})

		reply := &Reply{}
		require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 2}, reply))
		assert.Equal(t, 3, reply.Result)

		reply2 := &Reply{}
		require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: 10, B: 20}, reply2))
		assert.Equal(t, 30, reply2.Result)
	}
}

func TestClientCallErrors(t *testing.T) {
	_, addr := startServer(t)
	c := newClient(t, codec.CodecTypeJSON, []string{addr})
	ctx := context.Background()

	err := c.Call(ctx, "Arith.Fail", &Args{A: 7}, &Reply{})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "cannot handle 7", remote.Message)

	err = c.Call(ctx, "Arith.Mul", &Args{}, &Reply{})
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unknown method")

	assert.Error(t, c.Call(ctx, "ArithAdd", &Args{}, &Reply{}))

	err = c.Call(ctx, "Missing.Method", &Args{}, &Reply{})
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, registry.ErrNoInstances.Error())
}

// Calls spread over two servers and many goroutines.
func TestClientConcurrentAcrossInstances(t *testing.T) {
	_, addr1 := startServer(t)
	_, addr2 := startServer(t)
	c := newClient(t, codec.CodecTypeBinary, []string{addr1, addr2})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reply := &Reply{}
			if assert.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: n, B: 1}, reply)) {
				assert.Equal(t, n+1, reply.Result)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientRetryGivesUpOnDeadInstance(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := lis.Addr().String()
	lis.Close()

	c := newClient(t, codec.CodecTypeJSON, []string{dead},
		WithMiddleware(middleware.RetryMiddleware(2, time.Millisecond)),
		WithDialTimeout(200*time.Millisecond))

	err = c.Call(context.Background(), "Arith.Add", &Args{}, &Reply{})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.True(t, middleware.Retryable(remote.Message), remote.Message)
}

func TestClientStream(t *testing.T) {
	_, addr := startServer(t)
	c := newClient(t, codec.CodecTypeJSON, []string{addr}, WithTransportOptions(transport.WithStreamWindow(4)))

	s, err := c.Stream(context.Background(), "Clock.Ticks", 30)
	require.NoError(t, err)
	for i := 1; i <= 30; i++ {
		var tk Tick
		require.NoError(t, s.Recv(&tk))
		assert.Equal(t, i, tk.N)
	}
	assert.ErrorIs(t, s.Recv(&Tick{}), io.EOF)
}

func TestClientStreamEarlyClose(t *testing.T) {
	svr, addr := startServer(t, server.WithStreamCapacity(2))
	c := newClient(t, codec.CodecTypeJSON, []string{addr}, WithTransportOptions(transport.WithStreamWindow(2)))

	s, err := c.Stream(context.Background(), "Clock.Ticks", 1_000_000)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		var tk Tick
		require.NoError(t, s.Recv(&tk))
		assert.Equal(t, i, tk.N)
	}
	require.NoError(t, s.Close())
	require.Eventually(t, func() bool { return svr.Dispatcher().Supervisor().Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClientBiStream(t *testing.T) {
	_, addr := startServer(t)
	c := newClient(t, codec.CodecTypeJSON, []string{addr})

	s, err := c.BiStream(context.Background(), "Clock.Double")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Send(Tick{N: i}))
	}
	require.NoError(t, s.CloseSend())

	var got []int
	for {
		var tk Tick
		err := s.Recv(&tk)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, tk.N)
	}
	assert.Equal(t, []int{1, 1, 2, 2, 3, 3}, got)
}

func TestClientRedialsAfterServerRestart(t *testing.T) {
	svr, addr := startServer(t)
	c := newClient(t, codec.CodecTypeJSON, []string{addr})
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 1}, &Reply{}))
	require.NoError(t, svr.Shutdown(time.Second))

	// Same address, new server.
	svr2 := server.NewServer()
	require.NoError(t, svr2.Register(&Arith{}))
	lis, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	go svr2.Serve(lis)
	defer svr2.Shutdown(time.Second)

	require.Eventually(t, func() bool {
		reply := &Reply{}
		return c.Call(context.Background(), "Arith.Add", &Args{A: 2, B: 2}, reply) == nil && reply.Result == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func BenchmarkCall(b *testing.B) {
	svr := server.NewServer()
	require.NoError(b, svr.Register(&Arith{}))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(b, err)
	go svr.Serve(lis)
	defer svr.Shutdown(time.Second)

	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		b.Run(fmt.Sprintf("codec=%d", ct), func(b *testing.B) {
			c := newClient(b, ct, []string{lis.Addr().String()})
			b.RunParallel(func(pb *testing.PB) {
				reply := &Reply{}
				for pb.Next() {
					if err := c.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 2}, reply); err != nil {
						b.Error(err)
						return
					}
				}
			})
		})
	}
}

func BenchmarkStream(b *testing.B) {
	svr := server.NewServer()
	require.NoError(b, svr.Handle("Clock", "Ticks", dispatch.StreamHandler(
		func(ctx context.Context, n int, out *dispatch.TypedEmitter[Tick]) error {
			for i := 1; i <= n; i++ {
				if err := out.Send(ctx, Tick{N: i}); err != nil {
					return err
				}
			}
			return nil
		})))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(b, err)
	go svr.Serve(lis)
	defer svr.Shutdown(time.Second)

	c := newClient(b, codec.CodecTypeBinary, []string{lis.Addr().String()})
	b.ResetTimer()
	s, err := c.Stream(context.Background(), "Clock.Ticks", b.N)
	require.NoError(b, err)
	var tk Tick
	for {
		if err := s.Recv(&tk); err != nil {
			require.ErrorIs(b, err, io.EOF)
			break
		}
	}
}
