// Package loadbalance picks the instance that serves the next call.
//
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances
//   - ConsistentHash:  calls with affinity (same key → same instance)
package loadbalance

import (
	"errors"
	"fmt"

	"stream-rpc/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer selects one instance per call. key is the caller's affinity key
// (the client passes the service method); only ConsistentHash uses it.
// Implementations are safe for concurrent use.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}
