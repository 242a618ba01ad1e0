package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDiscover(t *testing.T) {
	reg := NewStatic([]string{"127.0.0.1:8002", "127.0.0.1:8001"}, "PaymentService")
	ctx := context.Background()

	instances, err := reg.Discover(ctx, "PaymentService")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{
		{Addr: "127.0.0.1:8001", Weight: 1},
		{Addr: "127.0.0.1:8002", Weight: 1},
	}, instances)

	_, err = reg.Discover(ctx, "Unknown")
	assert.ErrorIs(t, err, ErrNoInstances)

	require.NoError(t, reg.Deregister(ctx, "PaymentService", "127.0.0.1:8001"))
	instances, err = reg.Discover(ctx, "PaymentService")
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestStaticWatch(t *testing.T) {
	reg := NewStatic(nil)
	ctx, cancel := context.WithCancel(context.Background())

	updates := reg.Watch(ctx, "PaymentService")
	assert.Empty(t, <-updates)

	require.NoError(t, reg.Register(ctx, "PaymentService", ServiceInstance{Addr: "a:1", Weight: 1}, 0))
	require.NoError(t, reg.Register(ctx, "PaymentService", ServiceInstance{Addr: "b:1", Weight: 1}, 0))
	assert.Len(t, <-updates, 2)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-updates
		return !ok
	}, time.Second, 5*time.Millisecond)
}
