package live

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHubBroadcastsEventToConnectedClient(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Close()

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	deadline := time.Now()
	for deadline = time.Now(); h.ConnectionCount() == 0 && time.Since(deadline) < time.Second; {
		time.Sleep(time.Millisecond)
	}
	if h.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", h.ConnectionCount())
	}

	h.Broadcast(Event{Type: EventTransferEnd, RemoteAddr: "127.0.0.1:9000"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(msg), "transfer_end") {
		t.Fatalf("message = %q, want it to contain transfer_end", msg)
	}
}

func TestHubConnectionCountDropsOnDisconnect(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Close()

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHub(t, srv)
	for deadline := time.Now(); h.ConnectionCount() == 0 && time.Since(deadline) < time.Second; {
		time.Sleep(time.Millisecond)
	}
	conn.Close()

	for deadline := time.Now(); h.ConnectionCount() != 0 && time.Since(deadline) < time.Second; {
		time.Sleep(time.Millisecond)
	}
	if h.ConnectionCount() != 0 {
		t.Fatalf("ConnectionCount after disconnect = %d, want 0", h.ConnectionCount())
	}
}

func TestHubBroadcastWithNoConnectionsDoesNotBlock(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Close()
	h.Broadcast(Event{Type: EventWindowCommitted})
}
