// Package registry advertises running services in etcd.
//
//	Key:   {prefix}{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Entries are bound to a TTL lease kept alive in the background, so a
// crashed server disappears from the registry once its lease expires.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var logger = loggo.GetLogger("rpcore.registry")

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "/rpcore/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewEtcdRegistry connects to the given etcd endpoints. An empty prefix
// means DefaultPrefix.
func NewEtcdRegistry(cfg clientv3.Config, prefix string) (*EtcdRegistry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.NotValidf("empty etcd endpoint list")
	}
	c, err := clientv3.New(cfg)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to etcd at %v", cfg.Endpoints)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &EtcdRegistry{client: c, prefix: prefix, leases: make(map[string]clientv3.LeaseID)}, nil
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.servicePrefix(serviceName) + addr
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + serviceName + "/"
}

// Register puts instance under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Annotate(err, "granting lease")
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Trace(err)
	}
	key := r.key(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Annotatef(err, "putting %s", key)
	}

	// The keepalive outlives ctx, which only bounds registration.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return errors.Annotatef(err, "keeping lease of %s alive", key)
	}
	go func() {
		for range ch {
		}
		logger.Debugf("keepalive of %s stopped", key)
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()
	logger.Infof("registered %s (ttl %ds)", key, ttl)
	return nil
}

// Deregister removes an instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.key(serviceName, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Annotatef(err, "deleting %s", key)
	}
	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return errors.Annotatef(err, "revoking lease of %s", key)
		}
	}
	return nil
}

// Discover returns the instances currently registered for a service.
// Malformed entries are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "listing %s", serviceName)
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			logger.Warningf("skipping malformed entry %s: %v", kv.Key, err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full instance list of a service after every change
// until ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				logger.Warningf("watch %s: %v", serviceName, err)
				continue
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

// Close stops every keepalive and releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return errors.Trace(r.client.Close())
}
