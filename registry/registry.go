package registry

import "context"

// ServiceInstance is one advertised endpoint of a service.
type ServiceInstance struct {
	Addr    string
	Weight  int    `json:",omitempty"`
	Version string `json:",omitempty"`
}

// Registry is where started services announce themselves.
type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
