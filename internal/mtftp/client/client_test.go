package client

import (
	"bytes"
	"testing"

	"go.uber.org/zap"

	"github.com/aetherflow/mtftp/internal/mtftp"
	"github.com/aetherflow/mtftp/internal/mtftp/clock"
	"github.com/aetherflow/mtftp/internal/mtftp/protocol"
)

type fakeHost struct {
	sent    [][]byte
	written bytes.Buffer
	offsets []uint32
	failAt  int // WriteFile fails once file_offset reaches this value; -1 disables
}

func newFakeHost() *fakeHost {
	return &fakeHost{failAt: -1}
}

func (h *fakeHost) SendPacket(b []byte) {
	h.sent = append(h.sent, append([]byte(nil), b...))
}

func (h *fakeHost) WriteFile(fileIndex uint16, fileOffset uint32, data []byte) bool {
	if h.failAt >= 0 && int(fileOffset) >= h.failAt {
		return false
	}
	h.offsets = append(h.offsets, fileOffset)
	h.written.Write(data)
	return true
}

func newTestClient(t *testing.T, host *fakeHost) *Client {
	t.Helper()
	cfg := mtftp.Config{BlockLen: 4, WindowMax: 8, BufferBlocks: 8, RTXMax: 16, TimeoutMicros: 1_000_000}
	c, err := New(cfg, host, Callbacks{}, clock.NewFake(0), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func dataPkt(blockNo uint16, payload ...byte) []byte {
	return protocol.Data{BlockNo: blockNo, Payload: payload}.Marshal()
}

// Scenario 1: clean window, then a short final block ends the transfer.
func TestScenarioCleanWindow(t *testing.T) {
	host := newFakeHost()
	c := newTestClient(t, host)
	c.BeginRead(1, 0, 4)

	for bn := uint16(0); bn < 4; bn++ {
		if result := c.OnPacketRecv(dataPkt(bn, 1, 2, 3, 4)); result != protocol.RecvOk {
			t.Fatalf("block %d result = %v", bn, result)
		}
	}
	if c.State() != StateAckSent {
		t.Fatalf("state = %v, want ACK_SENT", c.State())
	}
	if len(host.sent) != 2 { // RRQ + ACK
		t.Fatalf("sent %d packets, want 2", len(host.sent))
	}
	ack, _ := protocol.DecodeACK(host.sent[1])
	if ack.BlockNo != 3 {
		t.Fatalf("ACK.BlockNo = %d, want 3", ack.BlockNo)
	}

	ended := false
	c.cb.OnTransferEnd = func() { ended = true }

	if result := c.OnPacketRecv(dataPkt(0, 1, 2, 3)); result != protocol.RecvOk {
		t.Fatalf("final block result = %v", result)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v, want IDLE", c.State())
	}
	if !ended {
		t.Fatalf("OnTransferEnd did not fire")
	}
	want := append(bytes.Repeat([]byte{1, 2, 3, 4}, 4), 1, 2, 3)
	if !bytes.Equal(host.written.Bytes(), want) {
		t.Fatalf("written = % x, want % x", host.written.Bytes(), want)
	}
}

// Scenario 2: single loss, one RTX round, buffered commit.
func TestScenarioSingleLoss(t *testing.T) {
	host := newFakeHost()
	c := newTestClient(t, host)
	c.BeginRead(1, 0, 4)

	c.OnPacketRecv(dataPkt(0, 1, 2, 3, 4))
	c.OnPacketRecv(dataPkt(1, 1, 2, 3, 4))
	// block 2 dropped
	c.OnPacketRecv(dataPkt(3, 1, 2, 3, 4))

	if c.State() != StateAwaitRTX {
		t.Fatalf("state = %v, want AWAIT_RTX", c.State())
	}
	rtxPkt := host.sent[len(host.sent)-1]
	rtx, result, _ := protocol.DecodeRTX(rtxPkt)
	if result != protocol.RecvOk || len(rtx.BlockNos) != 1 || rtx.BlockNos[0] != 2 {
		t.Fatalf("RTX = %+v, %v", rtx, result)
	}

	writtenBefore := host.written.Len()
	if result := c.OnPacketRecv(dataPkt(2, 1, 2, 3, 4)); result != protocol.RecvOk {
		t.Fatalf("retransmitted block result = %v", result)
	}
	if c.State() != StateAckSent {
		t.Fatalf("state = %v, want ACK_SENT", c.State())
	}
	if host.written.Len()-writtenBefore != 8 {
		t.Fatalf("committed %d bytes in one call, want 8", host.written.Len()-writtenBefore)
	}
	ack, _ := protocol.DecodeACK(host.sent[len(host.sent)-1])
	if ack.BlockNo != 3 {
		t.Fatalf("ACK.BlockNo = %d, want 3", ack.BlockNo)
	}
}

// Scenario 3: two non-adjacent losses in an 8-block window.
func TestScenarioTwoNonAdjacentLosses(t *testing.T) {
	host := newFakeHost()
	c := newTestClient(t, host)
	c.BeginRead(1, 0, 8)

	for _, bn := range []uint16{0, 1, 2, 4, 6, 7} {
		c.OnPacketRecv(dataPkt(bn, 1, 2, 3, 4))
	}
	if c.State() != StateAwaitRTX {
		t.Fatalf("state = %v, want AWAIT_RTX", c.State())
	}
	rtx, result, _ := protocol.DecodeRTX(host.sent[len(host.sent)-1])
	if result != protocol.RecvOk {
		t.Fatalf("decode RTX: %v", result)
	}
	want := []uint16{3, 5}
	if len(rtx.BlockNos) != len(want) {
		t.Fatalf("RTX.BlockNos = %v, want %v", rtx.BlockNos, want)
	}
	for i := range want {
		if rtx.BlockNos[i] != want[i] {
			t.Fatalf("RTX.BlockNos = %v, want %v", rtx.BlockNos, want)
		}
	}
}

// Scenario 4: invalid first block after ACK.
func TestScenarioInvalidFirstBlockAfterAck(t *testing.T) {
	host := newFakeHost()
	c := newTestClient(t, host)
	c.BeginRead(1, 0, 4)
	for bn := uint16(0); bn < 4; bn++ {
		c.OnPacketRecv(dataPkt(bn, 1, 2, 3, 4))
	}
	if c.State() != StateAckSent {
		t.Fatalf("precondition: state = %v, want ACK_SENT", c.State())
	}

	writesBefore := host.written.Len()
	result := c.OnPacketRecv(dataPkt(2, 1, 2, 3, 4))
	if result != protocol.RecvBadAfterAck {
		t.Fatalf("result = %v, want BadAfterAck", result)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v, want IDLE", c.State())
	}
	if host.written.Len() != writesBefore {
		t.Fatalf("write_file was called, expected none")
	}
}

// Scenario 5: block number beyond the window.
func TestScenarioBlockBeyondWindow(t *testing.T) {
	host := newFakeHost()
	c := newTestClient(t, host)
	c.BeginRead(1, 0, 4)

	result := c.OnPacketRecv(dataPkt(7, 1, 2, 3, 4))
	if result != protocol.RecvBadBlockNo {
		t.Fatalf("result = %v, want BadBlockNo", result)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v, want IDLE", c.State())
	}
}

// Scenario 6: server EOF inside a window (short block before window end).
func TestScenarioServerEOFInsideWindow(t *testing.T) {
	host := newFakeHost()
	c := newTestClient(t, host)
	c.BeginRead(1, 0, 4)

	c.OnPacketRecv(dataPkt(0, 1, 2, 3, 4))
	c.OnPacketRecv(dataPkt(1, 1, 2, 3, 4))
	if result := c.OnPacketRecv(dataPkt(2, 0xAA, 0xBB)); result != protocol.RecvOk {
		t.Fatalf("short block result = %v", result)
	}
	if c.State() != StateAckSent && c.State() != StateIdle {
		t.Fatalf("state = %v", c.State())
	}
	ack, _ := protocol.DecodeACK(host.sent[len(host.sent)-1])
	if ack.BlockNo != 2 {
		t.Fatalf("ACK.BlockNo = %d, want 2", ack.BlockNo)
	}
}

func TestTimeoutReturnsToIdle(t *testing.T) {
	host := newFakeHost()
	fc := clock.NewFake(0)
	cfg := mtftp.Config{BlockLen: 4, WindowMax: 8, BufferBlocks: 8, RTXMax: 16, TimeoutMicros: 100}
	c, err := New(cfg, host, Callbacks{}, fc, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.BeginRead(1, 0, 4)
	fc.Advance(1000)
	c.Tick()
	if c.State() != StateIdle {
		t.Fatalf("state = %v, want IDLE after timeout", c.State())
	}
}

func TestWriteFileFailureAbortsLocally(t *testing.T) {
	host := newFakeHost()
	host.failAt = 0
	c := newTestClient(t, host)
	c.BeginRead(1, 0, 4)
	c.OnPacketRecv(dataPkt(0, 1, 2, 3, 4))
	if c.State() != StateIdle {
		t.Fatalf("state = %v, want IDLE after write_file failure", c.State())
	}
}
