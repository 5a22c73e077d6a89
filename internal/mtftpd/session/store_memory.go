package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/aetherflow/mtftp/pkg/guuid"
)

// MemoryStore is an in-memory Store, the only implementation this daemon
// needs: transfers are ephemeral and the hot path must not block on
// external storage.
type MemoryStore struct {
	mu        sync.RWMutex
	transfers map[guuid.GUUID]*Transfer
	byAddr    map[string]guuid.GUUID
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transfers: make(map[guuid.GUUID]*Transfer),
		byAddr:    make(map[string]guuid.GUUID),
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transfers[t.ID]; exists {
		return fmt.Errorf("transfer already exists: %s", t.ID.String())
	}
	s.transfers[t.ID] = t
	s.byAddr[t.RemoteAddr.String()] = t.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id guuid.GUUID) (*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.transfers[id]
	if !exists {
		return nil, fmt.Errorf("transfer not found: %s", id.String())
	}
	return t, nil
}

func (s *MemoryStore) GetByRemoteAddr(ctx context.Context, addr string) (*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byAddr[addr]
	if !exists {
		return nil, fmt.Errorf("no transfer for remote addr: %s", addr)
	}
	t, exists := s.transfers[id]
	if !exists {
		return nil, fmt.Errorf("transfer not found: %s", id.String())
	}
	return t, nil
}

// Update upserts. The idle sweep runs off the driver loop, so it can
// evict a transfer in the instant between the driver accepting a packet
// for it and Touch persisting the refreshed snapshot; re-inserting here
// undoes that eviction instead of orphaning a live endpoint.
func (s *MemoryStore) Update(ctx context.Context, t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transfers[t.ID] = t
	s.byAddr[t.RemoteAddr.String()] = t.ID
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id guuid.GUUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.transfers[id]
	if !exists {
		return fmt.Errorf("transfer not found: %s", id.String())
	}
	delete(s.transfers, id)
	delete(s.byAddr, t.RemoteAddr.String())
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter *Filter) ([]*Transfer, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Transfer
	for _, t := range s.transfers {
		if filter != nil && filter.State != nil && t.State() != *filter.State {
			continue
		}
		result = append(result, t)
	}
	total := len(result)

	if filter != nil && filter.Limit > 0 {
		start := filter.Offset
		end := start + filter.Limit
		if start > len(result) {
			return []*Transfer{}, total, nil
		}
		if end > len(result) {
			end = len(result)
		}
		result = result[start:end]
	}
	return result, total, nil
}

// DeleteIdle removes every transfer whose last activity snapshot shows
// the endpoint back in IDLE. It runs on the cleanup goroutine and never
// touches the live endpoint.
func (s *MemoryStore) DeleteIdle(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idle []guuid.GUUID
	for id, t := range s.transfers {
		if t.IsIdle() {
			idle = append(idle, id)
		}
	}
	for _, id := range idle {
		t := s.transfers[id]
		delete(s.transfers, id)
		delete(s.byAddr, t.RemoteAddr.String())
	}
	return len(idle), nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transfers), nil
}
