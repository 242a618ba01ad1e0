package registry

import (
	"context"
	"sort"
	"sync"
)

// Static is an in-process registry for fixed deployments and tests. TTLs are
// ignored.
type Static struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

// NewStatic returns a registry where every given service is served by addrs.
func NewStatic(addrs []string, services ...string) *Static {
	s := &Static{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
	for _, svc := range services {
		for _, addr := range addrs {
			s.put(svc, ServiceInstance{Addr: addr, Weight: 1})
		}
	}
	return s
}

func (s *Static) put(serviceName string, instance ServiceInstance) {
	if s.services[serviceName] == nil {
		s.services[serviceName] = make(map[string]ServiceInstance)
	}
	s.services[serviceName][instance.Addr] = instance
}

func (s *Static) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(serviceName, instance)
	s.notify(serviceName)
	return nil
}

func (s *Static) Deregister(ctx context.Context, serviceName string, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services[serviceName], addr)
	s.notify(serviceName)
	return nil
}

func (s *Static) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instances := s.list(serviceName)
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	return instances, nil
}

// list returns instances sorted by address so balancers see a stable order.
func (s *Static) list(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(s.services[serviceName]))
	for _, inst := range s.services[serviceName] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

func (s *Static) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	s.mu.Lock()
	s.watchers[serviceName] = append(s.watchers[serviceName], ch)
	ch <- s.list(serviceName)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		ws := s.watchers[serviceName]
		for i, w := range ws {
			if w == ch {
				s.watchers[serviceName] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify replaces any unread list with the latest one. Callers hold mu.
func (s *Static) notify(serviceName string) {
	instances := s.list(serviceName)
	for _, ch := range s.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}

func (s *Static) Close() error { return nil }
