// Package server implements the MTFTP server state machine:
// it accepts a read request, streams a window of blocks, honours
// selective retransmit, and advances its file offset on ACK.
package server

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/aetherflow/mtftp/internal/mtftp"
	"github.com/aetherflow/mtftp/internal/mtftp/clock"
	"github.com/aetherflow/mtftp/internal/mtftp/protocol"
)

// State is one of the four server states.
type State int

const (
	StateIdle State = iota
	StateTransfer
	StateRTX
	StateAwaitResponse
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTransfer:
		return "TRANSFER"
	case StateRTX:
		return "RTX"
	case StateAwaitResponse:
		return "AWAIT_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Host is the set of capabilities the server core needs from its
// embedder.
type Host interface {
	SendPacket(b []byte)
	// ReadFile fills buf (capacity want bytes) starting at file_offset
	// within file_index and returns the number of bytes actually read
	// and whether the read succeeded.
	ReadFile(fileIndex uint16, fileOffset uint32, buf []byte, want uint16) (read uint16, ok bool)
}

// Callbacks are optional lifecycle notifications tied to the tick /
// timeout contract; a nil field is simply not invoked. OnError fires
// before OnIdle when the transfer aborts on a failed read or a received
// ERR rather than completing, so an embedder can label the outcome. A
// timeout fires OnTimeout only; OnIdle is not invoked on that path.
type Callbacks struct {
	OnIdle    func()
	OnTimeout func()
	OnError   func()
}

// Server is one MTFTP server endpoint, handling a single transfer at a
// time: no multiple concurrent transfers per endpoint. A daemon serving
// many clients owns one Server per remote address; see
// internal/mtftpd/session.
type Server struct {
	cfg   mtftp.Config
	host  Host
	cb    Callbacks
	clock clock.Clock
	log   *zap.Logger

	state State

	fileIndex  uint16
	fileOffset uint32
	windowSize uint16

	blockNo        uint16
	largestBlockNo int32
	lenLargest     uint16

	rtxBlockNos []uint16
	rtxIndex    int

	scratch []byte // reusable read_file buffer, BlockLen bytes

	timeLastPacket int64
}

// New constructs a Server in state IDLE.
func New(cfg mtftp.Config, host Host, cb Callbacks, clk clock.Clock, log *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		host:    host,
		cb:      cb,
		clock:   clk,
		log:     log,
		state:   StateIdle,
		scratch: make([]byte, cfg.BlockLen),
	}, nil
}

// State returns the server's current state.
func (s *Server) State() State {
	return s.state
}

// IsIdle reports whether the server is free to accept a new RRQ.
func (s *Server) IsIdle() bool {
	return s.state == StateIdle
}

func (s *Server) onWindowStart() {
	s.blockNo = 0
	s.largestBlockNo = -1
	s.lenLargest = 0
}

// OnPacketRecv processes one inbound packet and returns its classification.
func (s *Server) OnPacketRecv(b []byte) protocol.RecvResult {
	op, result := protocol.DecodeOpcode(b)
	if result != protocol.RecvOk {
		return result
	}

	switch {
	case op == protocol.OpRRQ && s.state == StateIdle:
		result = s.handleRRQ(b)
	case op == protocol.OpRTX && s.state == StateAwaitResponse:
		result = s.handleRTX(b)
	case op == protocol.OpACK && s.state == StateAwaitResponse:
		result = s.handleACK(b)
	case op == protocol.OpErr:
		result = s.handleErr(b)
	default:
		result = protocol.RecvBadState
	}

	if result == protocol.RecvOk {
		s.timeLastPacket = s.clock.NowMicros()
	}
	return result
}

func (s *Server) handleRRQ(b []byte) protocol.RecvResult {
	rrq, result := protocol.DecodeRRQ(b)
	if result != protocol.RecvOk {
		return result
	}
	if rrq.WindowSize == 0 || rrq.WindowSize > s.cfg.WindowMax {
		return protocol.RecvBadLength
	}

	s.fileIndex = rrq.FileIndex
	s.fileOffset = rrq.FileOffset
	s.windowSize = rrq.WindowSize

	s.onWindowStart()
	s.state = StateTransfer
	return protocol.RecvOk
}

func (s *Server) handleRTX(b []byte) protocol.RecvResult {
	rtx, result, mismatched := protocol.DecodeRTX(b)
	if result != protocol.RecvOk {
		return result
	}
	if mismatched {
		s.log.Debug("RTX packet length does not match declared num_elements",
			zap.Int("num_elements", len(rtx.BlockNos)))
	}

	s.rtxBlockNos = append(s.rtxBlockNos[:0], rtx.BlockNos...)
	s.rtxIndex = 0
	s.state = StateRTX
	return protocol.RecvOk
}

func (s *Server) handleACK(b []byte) protocol.RecvResult {
	ack, result := protocol.DecodeACK(b)
	if result != protocol.RecvOk {
		return result
	}

	if ack.BlockNo == s.blockNo && s.lenLargest < s.cfg.BlockLen {
		s.state = StateIdle
		if s.cb.OnIdle != nil {
			s.cb.OnIdle()
		}
		return protocol.RecvOk
	}

	// ack.block_no carries the highest in-order block_no the client
	// delivered; convert it to a byte count. When ack.block_no == 0 and
	// the window held more than one block whose first was lost, this is
	// "client received block 0 only": advance by exactly one block and
	// let the next window resend block 1.
	var advance uint32
	if int32(ack.BlockNo) == s.largestBlockNo {
		advance = uint32(ack.BlockNo)*uint32(s.cfg.BlockLen) + uint32(s.lenLargest)
	} else {
		advance = uint32(ack.BlockNo+1) * uint32(s.cfg.BlockLen)
	}
	s.fileOffset += advance

	s.onWindowStart()
	s.state = StateTransfer
	return protocol.RecvOk
}

// handleErr aborts the current transfer: an ERR from either side drops
// the endpoint to IDLE so the next RRQ starts cleanly. In IDLE it is a
// no-op.
func (s *Server) handleErr(b []byte) protocol.RecvResult {
	errPkt, result := protocol.DecodeErr(b)
	if result != protocol.RecvOk {
		return result
	}
	if s.state != StateIdle {
		s.log.Warn("transfer aborted by ERR packet",
			zap.Stringer("err_kind", errPkt.Kind))
		s.state = StateIdle
		if s.cb.OnError != nil {
			s.cb.OnError()
		}
		if s.cb.OnIdle != nil {
			s.cb.OnIdle()
		}
	}
	return protocol.RecvOk
}

// Tick drives transmission and the timeout watchdog. It must be called
// frequently; it never blocks.
func (s *Server) Tick() {
	switch s.state {
	case StateIdle:
		return
	case StateTransfer:
		s.tickTransfer()
	case StateRTX:
		s.tickRTX()
	case StateAwaitResponse:
		// Nothing to transmit; only the watchdog applies below.
	}
	if s.state == StateIdle {
		// A failed read dropped us to IDLE mid-tick; the watchdog no
		// longer applies.
		return
	}

	now := s.clock.NowMicros()
	if now-s.timeLastPacket <= s.cfg.TimeoutMicros {
		return
	}
	if s.cb.OnTimeout != nil {
		s.cb.OnTimeout()
	}
	s.state = StateIdle
}

func (s *Server) tickTransfer() {
	if !s.sendBlock(s.blockNo) {
		return // sendBlock already dropped to IDLE
	}
	s.timeLastPacket = s.clock.NowMicros()

	if s.lenLargest < s.cfg.BlockLen {
		s.state = StateAwaitResponse
		return
	}
	if s.blockNo == s.windowSize-1 {
		s.state = StateAwaitResponse
		return
	}
	s.blockNo++
}

func (s *Server) tickRTX() {
	if s.rtxIndex >= len(s.rtxBlockNos) {
		s.state = StateAwaitResponse
		return
	}
	bn := s.rtxBlockNos[s.rtxIndex]
	if !s.sendBlock(bn) {
		return // sendBlock already dropped to IDLE
	}
	s.timeLastPacket = s.clock.NowMicros()
	s.rtxIndex++
	if s.rtxIndex >= len(s.rtxBlockNos) {
		s.state = StateAwaitResponse
	}
}

// sendBlock reads and emits block bn of the current window. On a failed
// read it emits ERR(FILE_READ_FAILED), transitions to IDLE, and fires
// OnError then OnIdle, as a received ERR does; the caller must not
// advance further.
func (s *Server) sendBlock(bn uint16) bool {
	offset := s.fileOffset + uint32(bn)*uint32(s.cfg.BlockLen)
	read, ok := s.host.ReadFile(s.fileIndex, offset, s.scratch, s.cfg.BlockLen)
	if !ok {
		errPkt := protocol.Err{Kind: protocol.ErrFileReadFailed}
		s.host.SendPacket(errPkt.Marshal())
		s.state = StateIdle
		if s.cb.OnError != nil {
			s.cb.OnError()
		}
		if s.cb.OnIdle != nil {
			s.cb.OnIdle()
		}
		return false
	}

	data := protocol.Data{BlockNo: bn, Payload: s.scratch[:read]}
	s.host.SendPacket(data.Marshal())

	if int32(bn) > s.largestBlockNo {
		s.largestBlockNo = int32(bn)
		s.lenLargest = read
	}
	return true
}

func (s *Server) String() string {
	return fmt.Sprintf("server{state=%s file_index=%d file_offset=%d block_no=%d}", s.state, s.fileIndex, s.fileOffset, s.blockNo)
}
