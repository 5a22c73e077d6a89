package session

import (
	"context"

	"github.com/aetherflow/mtftp/pkg/guuid"
)

// Store is the repository interface for Transfer records:
//
//	Manager (business layer)
//	    |  uses
//	Store (repository interface)
//	    |
//	MemoryStore (the only implementation needed: the hot path never
//	             blocks on external storage)
type Store interface {
	Create(ctx context.Context, t *Transfer) error
	Get(ctx context.Context, id guuid.GUUID) (*Transfer, error)
	GetByRemoteAddr(ctx context.Context, addr string) (*Transfer, error)
	// Update upserts: a transfer the idle sweep evicted between a packet
	// arriving and Touch persisting it is re-registered rather than lost.
	Update(ctx context.Context, t *Transfer) error
	Delete(ctx context.Context, id guuid.GUUID) error
	List(ctx context.Context, filter *Filter) ([]*Transfer, int, error)
	DeleteIdle(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
}
