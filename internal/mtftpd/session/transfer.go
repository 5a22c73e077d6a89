/*
Package session fans a single MTFTP server endpoint out to many
concurrent remote clients. The protocol core (internal/mtftp/server)
handles exactly one transfer per endpoint; a daemon serving a fleet of
embedded nodes owns one endpoint per remote address, tracked here the
way a web service tracks one record per user session.
*/
package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/aetherflow/mtftp/internal/mtftp/server"
	"github.com/aetherflow/mtftp/pkg/guuid"
)

// State summarises the protocol server's state for observability:
// ACTIVE for any non-IDLE server state, IDLE otherwise. CLOSED is a
// daemon-only bookkeeping state that nothing in this package assigns.
type State int

const (
	StateActive State = iota
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateIdle:
		return "IDLE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Stats holds the counters a transfer actually measures. BytesSent is
// wire bytes; BytesPayload is the DATA payload portion only, the figure
// metrics and traces report as transferred.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesPayload    uint64
	Retransmissions uint64
}

// Transfer is one remote client's ongoing (or recently idle) MTFTP
// transfer: a protocol endpoint plus the bookkeeping the daemon needs to
// route datagrams and report progress.
//
// Endpoint is owned by the daemon's driver loop; no other goroutine may
// call into it. The admin API and the idle-eviction sweep read the
// mu-guarded snapshot below instead, which the driver loop stamps via
// Touch on every packet and Sync on every tick.
type Transfer struct {
	ID         guuid.GUUID
	RemoteAddr *net.UDPAddr
	Endpoint   *server.Server

	CreatedAt time.Time

	mu           sync.RWMutex
	state        State
	lastActiveAt time.Time

	// StartedAt is when the current protocol transfer's RRQ was
	// accepted; a session outlives individual transfers, so this resets
	// on every accepted RRQ. Written and read only by the driver loop.
	StartedAt time.Time

	// Generation counts accepted RRQs on this session's endpoint. The
	// admin abort path captures it when an abort is requested and the
	// driver loop compares before acting, so a queued abort cannot kill
	// a transfer that started after the request. Atomic because the
	// admin HTTP goroutine reads it.
	Generation atomic.Uint64

	// Stats covers the current transfer; reset alongside StartedAt.
	Stats Stats

	// Span covers this transfer's lifetime for the optional tracer (RRQ
	// to terminal ACK/timeout). Nil when tracing is disabled or not
	// configured on the Manager.
	Span trace.Span
}

// State returns the last snapshot Touch or Sync took of the endpoint's
// state.
func (t *Transfer) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// LastActiveAt returns when the transfer last processed a packet, per
// the last Touch. Ticks restamp only the state, so this does not
// advance on an otherwise silent transfer.
func (t *Transfer) LastActiveAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastActiveAt
}

// IsIdle reports whether the endpoint had returned to IDLE as of the
// last Touch or Sync, meaning this Transfer is eligible for eviction. It
// never consults the live endpoint, so the eviction sweep may call it off
// the driver loop.
func (t *Transfer) IsIdle() bool {
	return t.State() == StateIdle
}

func (t *Transfer) setActivity(state State, at time.Time) {
	t.mu.Lock()
	t.state = state
	t.lastActiveAt = at
	t.mu.Unlock()
}

// setState restamps only the state, leaving lastActiveAt alone: a tick
// is not activity.
func (t *Transfer) setState(state State) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// Filter narrows a List call by state and page.
type Filter struct {
	State  *State
	Limit  int
	Offset int
}
