package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-rpc/codec"
	"stream-rpc/dispatch"
	"stream-rpc/message"
	"stream-rpc/server"
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

func startServer(t *testing.T, opts ...server.Option) (*server.Server, string) {
	t.Helper()
	svr := server.NewServer(opts...)
	require.NoError(t, svr.Register(&Arith{}))
	require.NoError(t, svr.Handle("Numbers", "CountTo", dispatch.StreamHandler(
		func(ctx context.Context, n int, out *dispatch.TypedEmitter[int]) error {
			for i := 1; i <= n; i++ {
				if err := out.Send(ctx, i); err != nil {
					return err
				}
			}
			if n < 0 {
				return errors.New("negative count")
			}
			return nil
		})))
	require.NoError(t, svr.Handle("Text", "Upper", dispatch.RelayHandler(
		func(ctx context.Context, s string) (string, error) {
			b := []byte(s)
			for i, c := range b {
				if 'a' <= c && c <= 'z' {
					b[i] = c - 'a' + 'A'
				}
			}
			return string(b), nil
		})))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(lis)
	t.Cleanup(func() { svr.Shutdown(2 * time.Second) })
	return svr, lis.Addr().String()
}

func newTransport(t *testing.T, addr string, codecType codec.CodecType, opts ...Option) *ClientTransport {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	ct := NewClientTransport(conn, codecType, opts...)
	t.Cleanup(func() { ct.Close() })
	return ct
}

func add(t *testing.T, ct *ClientTransport, a, b int) (int, error) {
	payload, err := json.Marshal(&Args{A: a, B: b})
	require.NoError(t, err)
	resp := ct.Invoke(context.Background(), &message.RPCMessage{ServiceMethod: "Arith.Add", Payload: payload})
	if resp.Error != "" {
		return 0, errors.New(resp.Error)
	}
	var reply Reply
	if err := json.Unmarshal(resp.Payload, &reply); err != nil {
		return 0, err
	}
	return reply.Result, nil
}

func TestClientTransportSerial(t *testing.T) {
	_, addr := startServer(t)
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary, codec.CodecTypeZstd, codec.CodecTypeCBOR} {
		tr := newTransport(t, addr, ct)
		for _, tc := range []struct{ a, b, expect int }{{1, 2, 3}, {10, 20, 30}, {100, 200, 300}} {
			got, err := add(t, tr, tc.a, tc.b)
			require.NoError(t, err)
			assert.Equal(t, tc.expect, got)
		}
	}
}

// Many goroutines share one connection.
func TestClientTransportConcurrent(t *testing.T) {
	_, addr := startServer(t)
	ct := newTransport(t, addr, codec.CodecTypeJSON)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := add(t, ct, n, n)
			if assert.NoError(t, err) {
				assert.Equal(t, n*2, got)
			}
		}(i)
	}
	wg.Wait()
}

func recvInts(t *testing.T, s *ClientStream) ([]int, error) {
	t.Helper()
	var got []int
	for {
		b, err := s.Recv(context.Background())
		if err != nil {
			return got, err
		}
		var n int
		require.NoError(t, json.Unmarshal(b, &n))
		got = append(got, n)
	}
}

func TestServerStream(t *testing.T) {
	_, addr := startServer(t)
	ct := newTransport(t, addr, codec.CodecTypeBinary, WithStreamWindow(4))

	s, err := ct.OpenStream(context.Background(), "Numbers.CountTo", message.KindServerStream, []byte("30"))
	require.NoError(t, err)
	got, err := recvInts(t, s)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, got, 30)
	for i, n := range got {
		assert.Equal(t, i+1, n)
	}
}

func TestServerStreamRemoteError(t *testing.T) {
	_, addr := startServer(t)
	ct := newTransport(t, addr, codec.CodecTypeJSON)

	s, err := ct.OpenStream(context.Background(), "Numbers.CountTo", message.KindServerStream, []byte("-1"))
	require.NoError(t, err)
	_, err = recvInts(t, s)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "negative count", remote.Message)
	assert.Equal(t, "Numbers.CountTo", remote.Method)
}

// The client buffers at most one window of unread items.
func TestStreamWindowBoundsBuffer(t *testing.T) {
	_, addr := startServer(t)
	ct := newTransport(t, addr, codec.CodecTypeJSON, WithStreamWindow(3))

	s, err := ct.OpenStream(context.Background(), "Numbers.CountTo", message.KindServerStream, []byte("100"))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, s.rx.Len())

	got, err := recvInts(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Len(t, got, 100)
}

func TestStreamClose(t *testing.T) {
	svr, addr := startServer(t, server.WithStreamCapacity(1))
	ct := newTransport(t, addr, codec.CodecTypeJSON, WithStreamWindow(1))

	s, err := ct.OpenStream(context.Background(), "Numbers.CountTo", message.KindServerStream, []byte("1000"))
	require.NoError(t, err)
	_, err = s.Recv(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.Eventually(t, func() bool { return svr.Dispatcher().Supervisor().Active() == 0 }, 2*time.Second, 5*time.Millisecond)

	// The connection keeps serving other calls.
	got, err := add(t, ct, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, got)
}

func TestBiStream(t *testing.T) {
	_, addr := startServer(t, server.WithStreamWindow(2))
	ct := newTransport(t, addr, codec.CodecTypeJSON, WithStreamWindow(2))

	s, err := ct.OpenStream(context.Background(), "Text.Upper", message.KindBiStream, nil)
	require.NoError(t, err)

	words := []string{"the", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog"}
	go func() {
		for _, w := range words {
			b, _ := json.Marshal(w)
			if err := s.Send(context.Background(), b); err != nil {
				return
			}
		}
		s.CloseSend()
	}()

	var got []string
	for {
		b, err := s.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		var w string
		require.NoError(t, json.Unmarshal(b, &w))
		got = append(got, w)
	}
	assert.Equal(t, []string{"THE", "QUICK", "BROWN", "FOX", "JUMPS", "OVER", "THE", "LAZY", "DOG"}, got)
	assert.ErrorIs(t, s.Send(context.Background(), []byte(`"late"`)), ErrSendClosed)
}

func TestSendOnServerStream(t *testing.T) {
	_, addr := startServer(t)
	ct := newTransport(t, addr, codec.CodecTypeJSON)

	s, err := ct.OpenStream(context.Background(), "Numbers.CountTo", message.KindServerStream, []byte("1"))
	require.NoError(t, err)
	assert.Error(t, s.Send(context.Background(), []byte("1")))

	_, err = ct.OpenStream(context.Background(), "Arith.Add", message.KindUnary, nil)
	assert.Error(t, err)
}

func TestTransportClosed(t *testing.T) {
	_, addr := startServer(t)
	ct := newTransport(t, addr, codec.CodecTypeJSON, WithHeartbeat(10*time.Millisecond))

	s, err := ct.OpenStream(context.Background(), "Text.Upper", message.KindBiStream, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // a few heartbeats go out
	require.NoError(t, ct.Close())

	select {
	case <-ct.Done():
	case <-time.After(time.Second):
		t.Fatal("transport did not notice the closed connection")
	}
	assert.ErrorIs(t, ct.Err(), ErrTransportClosed)

	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrTransportClosed)

	resp := ct.Invoke(context.Background(), &message.RPCMessage{ServiceMethod: "Arith.Add"})
	assert.Contains(t, resp.Error, "transport closed")

	_, err = ct.OpenStream(context.Background(), "Text.Upper", message.KindBiStream, nil)
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestInvokeContextCancel(t *testing.T) {
	// A listener that never answers.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	go func() {
		conn, err := lis.Accept()
		if err == nil {
			defer conn.Close()
			io.Copy(io.Discard, conn)
		}
	}()

	ct := newTransport(t, lis.Addr().String(), codec.CodecTypeJSON)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp := ct.Invoke(ctx, &message.RPCMessage{ServiceMethod: "Arith.Add"})
	assert.Equal(t, context.DeadlineExceeded.Error(), resp.Error)
}

// Cancelling the context a stream was opened with stops the server task.
func TestStreamContextCancel(t *testing.T) {
	svr, addr := startServer(t, server.WithStreamCapacity(1))
	ct := newTransport(t, addr, codec.CodecTypeJSON, WithStreamWindow(2))

	ctx, cancel := context.WithCancel(context.Background())
	s, err := ct.OpenStream(ctx, "Numbers.CountTo", message.KindServerStream, []byte("100000"))
	require.NoError(t, err)
	_, err = s.Recv(ctx)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return svr.Dispatcher().Supervisor().Active() == 0 },
		2*time.Second, 5*time.Millisecond)

	// Buffered items are not handed out after cancellation.
	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, s.Close())

	// The connection keeps serving other calls.
	got, err := add(t, ct, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, 9, got)
}
