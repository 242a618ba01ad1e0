// Package registry is service discovery: servers register the services they
// host, clients discover the addresses serving a service.
package registry

import (
	"context"
	"errors"
)

// ErrNoInstances is returned by Discover when nothing serves a service.
var ErrNoInstances = errors.New("no instances available")

type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // load balancing weight; <= 0 counts as 1
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register publishes instance under serviceName. ttl is in seconds; an
	// instance whose owner stops renewing disappears after ttl.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list on every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
