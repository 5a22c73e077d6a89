// Package registry lets a mtftp-server instance advertise itself in
// etcd for a front-end load balancer, using a lease+keepalive+re-register
// pattern. It is optional and gated by config (see cmd/mtftp-server's
// Config.Registry.Enable); the protocol core has no dependency on it.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/aetherflow/mtftp/internal/mtftpd/breaker"
)

// Config configures the etcd connection and the service record the
// daemon publishes.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string

	ServiceKey   string // e.g. "/services/mtftp-server/10.0.0.5:6969"
	ServiceValue string // e.g. the advertised UDP address
	TTLSeconds   int64
}

// Registrar holds a lease on ServiceKey and keeps it alive until Close.
type Registrar struct {
	client  *clientv3.Client
	logger  *zap.Logger
	breaker *breaker.CircuitBreaker

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cfg     Config
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Register dials etcd and publishes cfg.ServiceKey with a
// cfg.TTLSeconds lease, keeping it alive in the background. The lease
// grant and the key put run through a circuit breaker so a flaky etcd
// cluster trips it instead of stalling re-registration; KeepAlive just
// opens a streaming channel and is not itself a fallible round trip, so
// it runs outside the breaker.
func Register(cfg Config, logger *zap.Logger) (*Registrar, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("mtftpd/registry: dial etcd: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registrar{
		client:  client,
		logger:  logger,
		breaker: breaker.New("etcd-registry", breaker.DefaultConfig(), logger),
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := r.lease(); err != nil {
		cancel()
		client.Close()
		return nil, err
	}

	logger.Info("registered with etcd",
		zap.String("key", cfg.ServiceKey),
		zap.String("value", cfg.ServiceValue))
	return r, nil
}

func (r *Registrar) lease() error {
	var leaseID clientv3.LeaseID
	err := r.breaker.Execute(r.ctx, func(ctx context.Context) error {
		lease, err := r.client.Grant(ctx, r.cfg.TTLSeconds)
		if err != nil {
			return fmt.Errorf("mtftpd/registry: grant lease: %w", err)
		}
		if _, err := r.client.Put(ctx, r.cfg.ServiceKey, r.cfg.ServiceValue, clientv3.WithLease(lease.ID)); err != nil {
			return fmt.Errorf("mtftpd/registry: put service key: %w", err)
		}
		leaseID = lease.ID
		return nil
	})
	if err != nil {
		return err
	}

	keepAlive, err := r.client.KeepAlive(r.ctx, leaseID)
	if err != nil {
		return fmt.Errorf("mtftpd/registry: keepalive: %w", err)
	}

	r.mu.Lock()
	r.leaseID = leaseID
	r.mu.Unlock()

	go r.watchKeepAlive(keepAlive)
	return nil
}

// watchKeepAlive drains keepalive responses and re-registers the lease
// if the channel closes underneath us (etcd session expired).
func (r *Registrar) watchKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case _, ok := <-ch:
			if ok {
				continue
			}
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return
			}
			r.logger.Warn("etcd keepalive channel closed, re-registering",
				zap.String("key", r.cfg.ServiceKey))
			if err := r.lease(); err != nil {
				r.logger.Error("failed to re-register with etcd", zap.Error(err))
			}
			return
		}
	}
}

// Close revokes the lease and releases the etcd client.
func (r *Registrar) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	leaseID := r.leaseID
	r.mu.Unlock()

	r.cancel()
	if leaseID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			r.logger.Warn("failed to revoke etcd lease", zap.Error(err))
		}
	}
	return r.client.Close()
}
