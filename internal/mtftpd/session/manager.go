package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/mtftp/internal/mtftp/server"
	"github.com/aetherflow/mtftp/internal/mtftpd/tracing"
	"github.com/aetherflow/mtftp/pkg/guuid"
)

const (
	// DefaultCleanupInterval is how often idle transfers are swept from
	// the store.
	DefaultCleanupInterval = 30 * time.Second
)

// Manager owns the fleet of per-client Transfer records. It is the only
// entry point cmd/mtftp-server uses to route an inbound datagram to the
// right protocol endpoint, creating a new one on the first packet from
// an unrecognised source address.
type Manager struct {
	store  Store
	logger *zap.Logger
	tracer *tracing.Tracer

	newEndpoint func(remoteAddr *net.UDPAddr, t *Transfer) (*server.Server, error)

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	wg              sync.WaitGroup
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store           Store
	Logger          *zap.Logger
	CleanupInterval time.Duration
	// Tracer opens one span per transfer, covering RRQ to terminal
	// ACK/timeout. Optional: a nil Tracer (or one built with
	// Config.Enable == false) leaves t.Span nil and StartTransfer is
	// skipped.
	Tracer *tracing.Tracer
	// NewEndpoint constructs a fresh protocol server endpoint bound to
	// remoteAddr; it is a factory rather than a single shared value
	// because each remote address gets its own independent state machine
	// with its own Host wired to that address. It receives the Transfer
	// record being built so its callbacks (OnIdle/OnTimeout) can close
	// over it, e.g. to end t.Span.
	NewEndpoint func(remoteAddr *net.UDPAddr, t *Transfer) (*server.Server, error)
}

// NewManager constructs a Manager and starts its idle-eviction loop.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("mtftpd/session: Store is required")
	}
	if cfg.NewEndpoint == nil {
		return nil, fmt.Errorf("mtftpd/session: NewEndpoint factory is required")
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &Manager{
		store:           cfg.Store,
		logger:          cfg.Logger,
		tracer:          cfg.Tracer,
		newEndpoint:     cfg.NewEndpoint,
		cleanupInterval: cfg.CleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	return m, nil
}

// GetOrCreate returns the Transfer for remoteAddr, creating a fresh
// protocol endpoint if none exists yet.
func (m *Manager) GetOrCreate(ctx context.Context, remoteAddr *net.UDPAddr) (*Transfer, error) {
	existing, err := m.store.GetByRemoteAddr(ctx, remoteAddr.String())
	if err == nil {
		return existing, nil
	}

	id, err := guuid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate transfer id: %w", err)
	}

	now := time.Now()
	t := &Transfer{
		ID:           id,
		RemoteAddr:   remoteAddr,
		CreatedAt:    now,
		state:        StateActive,
		lastActiveAt: now,
	}
	if m.tracer != nil && m.tracer.IsEnabled() {
		// file_index is not yet known: the RRQ hasn't been decoded by
		// the endpoint this Transfer is about to receive. The span still
		// covers the whole transfer lifetime; mtftp.file_index is filled
		// in by the daemon's packet handler (Tracer.SetFileIndex) once
		// the RRQ is accepted.
		_, span := m.tracer.StartTransfer(ctx, 0, remoteAddr.String())
		t.Span = span
	}

	endpoint, err := m.newEndpoint(remoteAddr, t)
	if err != nil {
		m.EndSpan(t, "setup_failed")
		return nil, fmt.Errorf("failed to construct protocol endpoint: %w", err)
	}
	t.Endpoint = endpoint

	if err := m.store.Create(ctx, t); err != nil {
		m.EndSpan(t, "setup_failed")
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}

	m.logger.Info("transfer created",
		zap.String("transfer_id", id.String()),
		zap.String("remote_addr", remoteAddr.String()))
	return t, nil
}

// Touch restamps the transfer's activity snapshot from the live
// endpoint. It must run on the driver loop, the only goroutine allowed
// to consult t.Endpoint; everything else reads the snapshot it writes.
func (m *Manager) Touch(ctx context.Context, t *Transfer) error {
	t.setActivity(endpointState(t), time.Now())
	// The store write is load-bearing, not bookkeeping: Update upserts,
	// so a transfer the idle sweep evicted while this packet was being
	// handled gets re-registered here instead of orphaned.
	return m.store.Update(ctx, t)
}

// Sync restamps only the state snapshot from the live endpoint, without
// marking activity or writing to the store. The driver loop calls it
// for every transfer on every tick, where a store write per transfer
// per tick would be pure lock churn; Touch covers the packet path,
// where the store write matters.
func (m *Manager) Sync(t *Transfer) {
	t.setState(endpointState(t))
}

// endpointState derives the snapshot state from the live endpoint; like
// its callers, it may only run on the driver loop.
func endpointState(t *Transfer) State {
	if t.Endpoint.IsIdle() {
		return StateIdle
	}
	return StateActive
}

// List returns transfers matching filter.
func (m *Manager) List(ctx context.Context, filter *Filter) ([]*Transfer, int, error) {
	return m.store.List(ctx, filter)
}

// Get returns one transfer by id.
func (m *Manager) Get(ctx context.Context, id guuid.GUUID) (*Transfer, error) {
	return m.store.Get(ctx, id)
}

// GetStats returns fleet-wide counts for the admin API / metrics.
func (m *Manager) GetStats(ctx context.Context) (map[string]int, error) {
	total, err := m.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	active := StateActive
	activeList, _, err := m.store.List(ctx, &Filter{State: &active})
	if err != nil {
		return nil, err
	}
	return map[string]int{
		"total":  total,
		"active": len(activeList),
	}, nil
}

// Close stops the cleanup goroutine.
func (m *Manager) Close() error {
	close(m.stopCleanup)
	m.wg.Wait()

	if m.tracer != nil {
		transfers, _, err := m.store.List(context.Background(), nil)
		if err == nil {
			for _, t := range transfers {
				m.EndSpan(t, "shutdown")
			}
		}
	}

	m.logger.Info("transfer manager stopped")
	return nil
}

// EndSpan ends t's trace span exactly once, labeling it with outcome
// and attributing the payload bytes the transfer moved. A nil span
// (tracing disabled, or already ended) is a no-op. The daemon's
// endpoint callbacks call this on every terminal transition.
func (m *Manager) EndSpan(t *Transfer, outcome string) {
	if t.Span == nil {
		return
	}
	m.tracer.EndTransfer(t.Span, outcome, int64(t.Stats.BytesPayload))
	t.Span = nil
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Manager) evictIdle() {
	ctx := context.Background()
	count, err := m.store.DeleteIdle(ctx)
	if err != nil {
		m.logger.Error("failed to evict idle transfers", zap.Error(err))
		return
	}
	if count > 0 {
		m.logger.Info("evicted idle transfers", zap.Int("count", count))
	}
}
