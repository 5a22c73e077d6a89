// Package client implements the MTFTP client state machine:
// it drives a read, receives a window of DATA packets, detects loss via
// a sliding reordering buffer, issues RTX or ACK, and commits bytes to
// storage in order.
package client

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/aetherflow/mtftp/internal/mtftp"
	"github.com/aetherflow/mtftp/internal/mtftp/clock"
	"github.com/aetherflow/mtftp/internal/mtftp/protocol"
)

// State is one of the four client states.
type State int

const (
	StateIdle State = iota
	StateTransfer
	StateAwaitRTX
	StateAckSent
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTransfer:
		return "TRANSFER"
	case StateAwaitRTX:
		return "AWAIT_RTX"
	case StateAckSent:
		return "ACK_SENT"
	default:
		return "UNKNOWN"
	}
}

// Host is the set of capabilities the client core needs from its
// embedder: fire-and-forget packet send, a write_file callback,
// and optional lifecycle notifications. A capability record rather than
// package-level state keeps each Client an independently owned value.
type Host interface {
	SendPacket(b []byte)
	// WriteFile commits data at file_offset in file_index. Its return
	// value is not surfaced on the wire; the client only logs a failure
	// and aborts the transfer locally.
	WriteFile(fileIndex uint16, fileOffset uint32, data []byte) bool
}

// Callbacks are optional lifecycle notifications. A nil field is
// simply not invoked.
type Callbacks struct {
	OnIdle        func()
	OnTimeout     func()
	OnTransferEnd func()
}

// Client is one MTFTP client endpoint. It owns its reordering buffer and
// missing-block list for the lifetime of the value; construction is the
// only allocation point.
type Client struct {
	cfg   mtftp.Config
	host  Host
	cb    Callbacks
	clock clock.Clock
	log   *zap.Logger

	state State

	fileIndex  uint16
	fileOffset uint32
	windowSize uint16

	lastInOrderBlock int32
	largestBlockNo   int32
	lenLargest       uint16

	bufferBase int32
	buffer     []byte

	missing    []uint16
	numMissing int

	timeLastPacket int64
}

// New constructs a Client in state IDLE. The reordering buffer
// (BufferBlocks*BlockLen bytes) is allocated once here and reused for
// every subsequent transfer.
func New(cfg mtftp.Config, host Host, cb Callbacks, clk clock.Clock, log *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		cfg:     cfg,
		host:    host,
		cb:      cb,
		clock:   clk,
		log:     log,
		state:   StateIdle,
		buffer:  make([]byte, int(cfg.BufferBlocks)*int(cfg.BlockLen)),
		missing: make([]uint16, cfg.BufferBlocks),
	}
	return c, nil
}

// State returns the client's current state.
func (c *Client) State() State {
	return c.state
}

// BeginRead starts a transfer. Valid only in IDLE; otherwise it logs and
// is a no-op.
func (c *Client) BeginRead(fileIndex uint16, fileOffset uint32, windowSize uint16) {
	if c.state != StateIdle {
		c.log.Warn("begin_read called outside IDLE, ignoring",
			zap.Stringer("state", c.state))
		return
	}
	if windowSize == 0 || windowSize > c.cfg.WindowMax {
		c.log.Warn("begin_read with invalid window_size, ignoring",
			zap.Uint16("window_size", windowSize),
			zap.Uint16("window_max", c.cfg.WindowMax))
		return
	}

	c.fileIndex = fileIndex
	c.fileOffset = fileOffset
	c.windowSize = windowSize

	c.onWindowStart()
	c.state = StateTransfer

	rrq := protocol.RRQ{FileIndex: fileIndex, FileOffset: fileOffset, WindowSize: windowSize}
	c.host.SendPacket(rrq.Marshal())
}

// onWindowStart resets all per-window tracking state.
func (c *Client) onWindowStart() {
	c.lastInOrderBlock = -1
	c.largestBlockNo = -1
	c.lenLargest = 0
	c.bufferBase = -1
	c.numMissing = 0
	for i := range c.missing {
		c.missing[i] = mtftp.MissingSentinel
	}
}

// OnPacketRecv processes one inbound packet and returns its classification.
// time_last_packet only advances on Ok.
func (c *Client) OnPacketRecv(b []byte) protocol.RecvResult {
	op, result := protocol.DecodeOpcode(b)
	if result != protocol.RecvOk {
		return result
	}

	switch op {
	case protocol.OpData:
		result = c.handleData(b)
	case protocol.OpErr:
		result = c.handleErr(b)
	default:
		// RRQ/RTX/ACK are client-originated opcodes; the client never
		// receives them. Treat as unknown to this endpoint.
		result = protocol.RecvBadOpcode
	}

	if result == protocol.RecvOk {
		c.timeLastPacket = c.clock.NowMicros()
	}
	return result
}

func (c *Client) handleData(b []byte) protocol.RecvResult {
	if c.state != StateTransfer && c.state != StateAwaitRTX && c.state != StateAckSent {
		return protocol.RecvBadState
	}

	data, result := protocol.DecodeData(b)
	if result != protocol.RecvOk {
		return result
	}
	blockNo := data.BlockNo
	lenBlock := uint16(len(data.Payload))

	// Step 1: first block of a new window after a clean ACK.
	if c.state == StateAckSent {
		if blockNo != 0 {
			c.state = StateIdle
			return protocol.RecvBadAfterAck
		}
		c.onWindowStart()
		c.state = StateTransfer
	}

	// Step 2: bounds check.
	if blockNo >= c.windowSize {
		c.state = StateIdle
		return protocol.RecvBadBlockNo
	}

	// Step 3: track the largest block seen, for EOF / byte-count purposes.
	if int32(blockNo) > c.largestBlockNo {
		c.largestBlockNo = int32(blockNo)
		c.lenLargest = lenBlock
	}

	// Step 4: streaming fast path.
	if c.numMissing == 0 && (c.state == StateTransfer || c.state == StateAckSent) {
		if int32(blockNo) == c.lastInOrderBlock+1 {
			if !c.host.WriteFile(c.fileIndex, c.fileOffset, data.Payload) {
				c.log.Error("write_file failed, aborting transfer",
					zap.Uint16("file_index", c.fileIndex),
					zap.Uint32("file_offset", c.fileOffset))
				c.state = StateIdle
				return protocol.RecvOk
			}
			c.lastInOrderBlock = int32(blockNo)
			c.fileOffset += uint32(lenBlock)
			return c.afterDataAccepted(blockNo, lenBlock)
		}
		// First gap: start buffering from the next expected block.
		c.bufferBase = c.lastInOrderBlock + 1
	}

	// Step 5: buffering.
	if int32(blockNo)-c.bufferBase >= int32(c.cfg.BufferBlocks) {
		// Invariant violation: should be unreachable given the bounds
		// check above, since window_size <= BufferBlocks.
		c.state = StateIdle
		return protocol.RecvBadBlockNo
	}
	slot := int(int32(blockNo) - c.bufferBase)
	copy(c.buffer[slot*int(c.cfg.BlockLen):], data.Payload)

	if c.state == StateAwaitRTX {
		found := false
		for i, mb := range c.missing {
			if mb == blockNo {
				c.missing[i] = mtftp.MissingSentinel
				c.numMissing--
				found = true
				break
			}
		}
		if !found {
			c.state = StateIdle
			return protocol.RecvBadBlockNo
		}
	} else {
		for b := c.lastInOrderBlock + 1; b < int32(blockNo); b++ {
			c.missing[c.numMissing] = uint16(b)
			c.numMissing++
			// NB: this mirrors a cosmetic bug in the source firmware:
			// the log line names the block just received, not the
			// block actually being marked missing.
			c.log.Debug("marking block_no missing",
				zap.Uint16("block_no", blockNo))
		}
		c.lastInOrderBlock = int32(blockNo)
	}

	return c.afterDataAccepted(blockNo, lenBlock)
}

// afterDataAccepted runs step 6 (end-of-window detection) and, if the
// window has ended, step 7 (on_window_end).
func (c *Client) afterDataAccepted(blockNo, lenBlock uint16) protocol.RecvResult {
	switch c.state {
	case StateTransfer, StateAckSent:
		shortBlock := lenBlock < c.cfg.BlockLen
		lastOfWindow := blockNo == c.windowSize-1
		if !shortBlock && !lastOfWindow {
			return protocol.RecvOk
		}
		c.onWindowEnd()
	case StateAwaitRTX:
		if c.numMissing != 0 {
			return protocol.RecvOk
		}
		n := (c.largestBlockNo-c.bufferBase)*int32(c.cfg.BlockLen) + int32(c.lenLargest)
		if !c.host.WriteFile(c.fileIndex, c.fileOffset, c.buffer[:n]) {
			c.log.Error("write_file failed committing buffered window, aborting transfer",
				zap.Uint16("file_index", c.fileIndex),
				zap.Uint32("file_offset", c.fileOffset))
			c.state = StateIdle
			return protocol.RecvOk
		}
		c.fileOffset += uint32(n)
		c.onWindowEnd()
	}
	return protocol.RecvOk
}

// onWindowEnd packs and emits RTX or ACK once a window is complete.
func (c *Client) onWindowEnd() {
	if c.numMissing > 0 {
		rtx := protocol.RTX{BlockNos: c.packMissing()}
		c.host.SendPacket(rtx.Marshal())
		c.state = StateAwaitRTX
		return
	}

	ackBlock := uint16(c.lastInOrderBlock)
	ack := protocol.ACK{BlockNo: ackBlock}
	c.host.SendPacket(ack.Marshal())

	if c.lenLargest < c.cfg.BlockLen {
		c.state = StateIdle
		if c.cb.OnTransferEnd != nil {
			c.cb.OnTransferEnd()
		}
		return
	}
	c.state = StateAckSent
}

// packMissing scans the fixed-size missing array and returns its
// non-sentinel entries in insertion order. Unlike an earlier variant of
// the source firmware, the scan index always advances, so each entry is
// emitted exactly once rather than repeated.
func (c *Client) packMissing() []uint16 {
	out := make([]uint16, 0, c.numMissing)
	found := 0
	for i := 0; i < len(c.missing) && found < c.numMissing; i++ {
		if c.missing[i] != mtftp.MissingSentinel {
			out = append(out, c.missing[i])
			found++
		}
	}
	return out
}

func (c *Client) handleErr(b []byte) protocol.RecvResult {
	_, result := protocol.DecodeErr(b)
	if result != protocol.RecvOk {
		return result
	}
	if c.state != StateIdle {
		c.state = StateIdle
		if c.cb.OnIdle != nil {
			c.cb.OnIdle()
		}
	}
	return protocol.RecvOk
}

// Tick drives the timeout watchdog. It must be called frequently (spec
// §5 suggests millisecond granularity); it never blocks.
func (c *Client) Tick() {
	if c.state == StateIdle {
		return
	}
	now := c.clock.NowMicros()
	if now-c.timeLastPacket <= c.cfg.TimeoutMicros {
		return
	}
	if c.cb.OnTimeout != nil {
		c.cb.OnTimeout()
	}
	c.state = StateIdle
	if c.cb.OnIdle != nil {
		c.cb.OnIdle()
	}
}

// String implements fmt.Stringer for debug logging of a client's progress.
func (c *Client) String() string {
	return fmt.Sprintf("client{state=%s file_index=%d file_offset=%d}", c.state, c.fileIndex, c.fileOffset)
}
