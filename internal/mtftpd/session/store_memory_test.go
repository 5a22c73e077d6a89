package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/aetherflow/mtftp/pkg/guuid"
)

func newTransfer(t *testing.T, port int) *Transfer {
	t.Helper()
	id, err := guuid.New()
	if err != nil {
		t.Fatalf("guuid.New: %v", err)
	}
	return &Transfer{
		ID:           id,
		RemoteAddr:   &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port},
		CreatedAt:    time.Now(),
		state:        StateActive,
		lastActiveAt: time.Now(),
	}
}

func TestMemoryStoreCreateGetByRemoteAddr(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tr := newTransfer(t, 9001)

	if err := s.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, tr); err == nil {
		t.Fatalf("Create duplicate: err = nil, want error")
	}

	got, err := s.GetByRemoteAddr(ctx, tr.RemoteAddr.String())
	if err != nil {
		t.Fatalf("GetByRemoteAddr: %v", err)
	}
	if got.ID != tr.ID {
		t.Fatalf("GetByRemoteAddr returned wrong transfer")
	}

	if _, err := s.GetByRemoteAddr(ctx, "127.0.0.1:1"); err == nil {
		t.Fatalf("GetByRemoteAddr unknown addr: err = nil, want error")
	}
}

func TestMemoryStoreUpdateAndDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tr := newTransfer(t, 9002)
	if err := s.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tr.setActivity(StateIdle, time.Now())
	if err := s.Update(ctx, tr); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Get(ctx, tr.ID)
	if got.State() != StateIdle {
		t.Fatalf("state after update = %v, want IDLE", got.State())
	}

	if err := s.Delete(ctx, tr.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, tr.ID); err == nil {
		t.Fatalf("Get after delete: err = nil, want error")
	}
	if _, err := s.GetByRemoteAddr(ctx, tr.RemoteAddr.String()); err == nil {
		t.Fatalf("GetByRemoteAddr after delete: err = nil, want error")
	}
}

func TestMemoryStoreUpdateReRegistersEvictedTransfer(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tr := newTransfer(t, 9300)
	if err := s.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The sweep evicts an idle-stamped transfer...
	tr.setActivity(StateIdle, time.Now())
	if _, err := s.DeleteIdle(ctx); err != nil {
		t.Fatalf("DeleteIdle: %v", err)
	}
	if _, err := s.Get(ctx, tr.ID); err == nil {
		t.Fatalf("transfer still present after sweep")
	}

	// ...but a packet revived it in the same instant; Touch's Update
	// must put it back rather than fail.
	tr.setActivity(StateActive, time.Now())
	if err := s.Update(ctx, tr); err != nil {
		t.Fatalf("Update after eviction: %v", err)
	}
	got, err := s.GetByRemoteAddr(ctx, tr.RemoteAddr.String())
	if err != nil {
		t.Fatalf("GetByRemoteAddr after re-register: %v", err)
	}
	if got.ID != tr.ID {
		t.Fatalf("re-registered id = %s, want %s", got.ID, tr.ID)
	}
}

func TestMemoryStoreListFiltersByStateAndPages(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr := newTransfer(t, 9100+i)
		tr.setActivity(StateActive, time.Now())
		if err := s.Create(ctx, tr); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	idleTr := newTransfer(t, 9200)
	idleTr.setActivity(StateIdle, time.Now())
	if err := s.Create(ctx, idleTr); err != nil {
		t.Fatalf("Create idle: %v", err)
	}

	active := StateActive
	list, total, err := s.List(ctx, &Filter{State: &active})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(list) != 3 {
		t.Fatalf("List(active) = %d/%d, want 3/3", len(list), total)
	}

	allList, allTotal, err := s.List(ctx, nil)
	if err != nil {
		t.Fatalf("List(nil): %v", err)
	}
	if allTotal != 4 || len(allList) != 4 {
		t.Fatalf("List(nil) = %d/%d, want 4/4", len(allList), allTotal)
	}

	paged, pagedTotal, err := s.List(ctx, &Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List(paged): %v", err)
	}
	if pagedTotal != 4 || len(paged) != 2 {
		t.Fatalf("List(paged) = %d/%d, want 2/4", len(paged), pagedTotal)
	}
}

func TestMemoryStoreCount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if n, _ := s.Count(ctx); n != 0 {
		t.Fatalf("Count on empty store = %d, want 0", n)
	}
	if err := s.Create(ctx, newTransfer(t, 9300)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}
