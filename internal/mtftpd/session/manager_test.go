package session

import (
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/aetherflow/mtftp/internal/mtftp"
	"github.com/aetherflow/mtftp/internal/mtftp/clock"
	mtftpserver "github.com/aetherflow/mtftp/internal/mtftp/server"
)

type nopHost struct{}

func (nopHost) SendPacket(b []byte) {}
func (nopHost) ReadFile(fileIndex uint16, fileOffset uint32, buf []byte, want uint16) (uint16, bool) {
	return 0, true
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := mtftp.Config{BlockLen: 512, WindowMax: 4, BufferBlocks: 4, RTXMax: 8, TimeoutMicros: 1_000_000}
	mgr, err := NewManager(&ManagerConfig{
		Store:  NewMemoryStore(),
		Logger: zap.NewNop(),
		NewEndpoint: func(addr *net.UDPAddr, t *Transfer) (*mtftpserver.Server, error) {
			return mtftpserver.New(cfg, nopHost{}, mtftpserver.Callbacks{}, clock.NewFake(0), zap.NewNop())
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestManagerGetOrCreateIsIdempotentPerAddress(t *testing.T) {
	mgr := newTestManager(t)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9001}

	first, err := mgr.GetOrCreate(t.Context(), addr)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := mgr.GetOrCreate(t.Context(), addr)
	if err != nil {
		t.Fatalf("GetOrCreate (second): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("GetOrCreate for the same address returned different transfers")
	}
}

func TestManagerGetOrCreateBindsDistinctAddresses(t *testing.T) {
	mgr := newTestManager(t)
	a := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9001}
	b := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9002}

	ta, err := mgr.GetOrCreate(t.Context(), a)
	if err != nil {
		t.Fatalf("GetOrCreate(a): %v", err)
	}
	tb, err := mgr.GetOrCreate(t.Context(), b)
	if err != nil {
		t.Fatalf("GetOrCreate(b): %v", err)
	}
	if ta.ID == tb.ID {
		t.Fatalf("distinct addresses got the same transfer id")
	}

	transfers, total, err := mgr.List(t.Context(), nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || len(transfers) != 2 {
		t.Fatalf("List = %d/%d, want 2/2", len(transfers), total)
	}
}

func TestManagerTouchUpdatesStateFromEndpoint(t *testing.T) {
	mgr := newTestManager(t)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9003}

	tr, err := mgr.GetOrCreate(t.Context(), addr)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := mgr.Touch(t.Context(), tr); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if tr.State() != StateIdle {
		t.Fatalf("state after Touch on a freshly-built idle endpoint = %v, want IDLE", tr.State())
	}
}

func TestManagerGetStatsReportsTotals(t *testing.T) {
	mgr := newTestManager(t)
	for i := 0; i < 3; i++ {
		addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9100 + i}
		if _, err := mgr.GetOrCreate(t.Context(), addr); err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
	}
	stats, err := mgr.GetStats(t.Context())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats["total"] != 3 {
		t.Fatalf("total = %d, want 3", stats["total"])
	}
}

func TestNewManagerRequiresStoreAndFactory(t *testing.T) {
	if _, err := NewManager(&ManagerConfig{NewEndpoint: func(*net.UDPAddr, *Transfer) (*mtftpserver.Server, error) { return nil, nil }}); err == nil {
		t.Fatalf("NewManager without Store: err = nil, want error")
	}
	if _, err := NewManager(&ManagerConfig{Store: NewMemoryStore()}); err == nil {
		t.Fatalf("NewManager without NewEndpoint: err = nil, want error")
	}
}
