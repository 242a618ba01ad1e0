// EtcdRegistry keeps instances in etcd:
//
//	Key:   /stream-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration rides on a TTL lease kept alive in the background: if the
// server dies, the lease expires and the entry goes with it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix is the root of every registry key.
const KeyPrefix = "/stream-rpc/"

func serviceKey(serviceName, addr string) string {
	return KeyPrefix + serviceName + "/" + addr
}

type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]lease // by key
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc // stops the keepalive
}

// NewEtcdRegistry connects to the given endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	return &EtcdRegistry{client: c, leases: make(map[string]lease)}, nil
}

// Register grants a lease, puts the instance under it and keeps the lease
// alive until Deregister or Close. The lease lives in a per-key map so one
// EtcdRegistry can be shared by several servers.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	key := serviceKey(serviceName, instance.Addr)

	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease for %s: %w", key, err)
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	// The keepalive outlives the Register call, so it gets its own context.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keepalive %s: %w", key, err)
	}
	go func() {
		for range ch {
		}
		logrus.WithField("key", key).Debug("Lease keepalive stopped")
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.cancel()
	}
	r.leases[key] = lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{"key": key, "ttl": ttl}).Info("Registered service instance")
	return nil
}

// Deregister deletes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := serviceKey(serviceName, addr)

	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if ok {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			logrus.WithError(err).WithField("key", key).Warn("Failed to revoke lease")
		}
	}
	return nil
}

// Discover lists the instances currently registered for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	prefix := KeyPrefix + serviceName + "/"
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", serviceName, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			logrus.WithField("key", string(kv.Key)).Warn("Skipping malformed registry entry")
			continue
		}
		instances = append(instances, instance)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInstances, serviceName)
	}
	return instances, nil
}

// Watch re-reads the full list on every change under the service prefix
// (simpler than applying individual events).
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := KeyPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, prefix, clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				instances = nil
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every keepalive and closes the etcd client. Leases left behind
// expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
