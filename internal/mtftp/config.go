// Package mtftp holds the configuration shared by the client and server
// state machines and nothing else: the core state machines
// live in the client and server subpackages so an embedded build can
// link in only the side it needs.
package mtftp

import "fmt"

// MissingSentinel marks an empty slot in a missing-block list (
// "the source uses 0xFFFF as a sentinel").
const MissingSentinel uint16 = 0xFFFF

// Config holds the protocol's compile-time/init-time constants. A
// single Config is shared by every transfer the process drives; nothing
// about it changes mid-transfer.
type Config struct {
	// BlockLen is the number of payload bytes in a full DATA packet.
	BlockLen uint16
	// WindowMax is the largest window_size a transfer may request; it
	// must fit in the 16-bit wire field and in the reordering buffer.
	WindowMax uint16
	// BufferBlocks is the capacity, in blocks, of the client reordering
	// buffer. Must be >= WindowMax.
	BufferBlocks uint16
	// RTXMax is the largest number of block_no entries one RTX packet
	// may carry, derived from the transport MTU: (MTU-2)/2.
	RTXMax uint16
	// TimeoutMicros is the inactivity timeout, in microseconds.
	TimeoutMicros int64
}

// Validate checks the invariants Config must satisfy before it is handed
// to a client or server endpoint.
func (c Config) Validate() error {
	if c.BlockLen == 0 {
		return fmt.Errorf("mtftp: BlockLen must be > 0")
	}
	if c.WindowMax == 0 {
		return fmt.Errorf("mtftp: WindowMax must be > 0")
	}
	if c.BufferBlocks < c.WindowMax {
		return fmt.Errorf("mtftp: BufferBlocks (%d) must be >= WindowMax (%d)", c.BufferBlocks, c.WindowMax)
	}
	if c.RTXMax == 0 {
		return fmt.Errorf("mtftp: RTXMax must be > 0")
	}
	if c.TimeoutMicros <= 0 {
		return fmt.Errorf("mtftp: TimeoutMicros must be > 0")
	}
	return nil
}

// DefaultConfig is a reasonable default for a loopback or LAN
// deployment; embedded targets will want far smaller values tuned to
// their radio MTU and RAM budget.
func DefaultConfig() Config {
	return Config{
		BlockLen:      512,
		WindowMax:     16,
		BufferBlocks:  16,
		RTXMax:        62, // (126-2)/2
		TimeoutMicros: 2_000_000,
	}
}
