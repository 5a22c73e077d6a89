// Package guuid provides a small globally-unique identifier, used here to
// name individual MTFTP transfers for logging, metrics, and the admin API
// (the wire protocol itself carries no identifier, being unauthenticated
// and stateless across restarts).
package guuid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// GUUID is a 16-byte identifier.
type GUUID [16]byte

// New generates a new GUUID using crypto/rand for high entropy.
func New() (GUUID, error) {
	var g GUUID
	_, err := rand.Read(g[:])
	if err != nil {
		return GUUID{}, fmt.Errorf("failed to generate GUUID: %w", err)
	}
	return g, nil
}

// NewWithTimestamp generates a GUUID with an embedded timestamp for
// ordering: first 8 bytes are a Unix nanosecond timestamp, the rest
// random.
func NewWithTimestamp() (GUUID, error) {
	var g GUUID

	timestamp := time.Now().UnixNano()
	binary.BigEndian.PutUint64(g[:8], uint64(timestamp))

	_, err := rand.Read(g[8:])
	if err != nil {
		return GUUID{}, fmt.Errorf("failed to generate timestamped GUUID: %w", err)
	}
	return g, nil
}

// FromString parses a GUUID from its string representation, with or
// without hyphens.
func FromString(s string) (GUUID, error) {
	cleaned := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			cleaned = append(cleaned, s[i])
		}
	}

	if len(cleaned) != 32 {
		return GUUID{}, fmt.Errorf("invalid GUUID string length: expected 32 hex chars, got %d", len(cleaned))
	}

	decoded, err := hex.DecodeString(string(cleaned))
	if err != nil {
		return GUUID{}, fmt.Errorf("invalid GUUID string format: %w", err)
	}

	var g GUUID
	copy(g[:], decoded)
	return g, nil
}

// String returns the plain hex representation of the GUUID.
func (g GUUID) String() string {
	return hex.EncodeToString(g[:])
}

// StringWithHyphens returns a UUID-compatible string representation.
func (g GUUID) StringWithHyphens() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x",
		g[0:4], g[4:6], g[6:8], g[8:10], g[10:16])
}

// Bytes returns the raw byte slice.
func (g GUUID) Bytes() []byte {
	return g[:]
}

// IsZero checks if the GUUID is zero-valued.
func (g GUUID) IsZero() bool {
	return g == GUUID{}
}

// Timestamp extracts the timestamp from a GUUID created with
// NewWithTimestamp. It returns garbage for a plain New() value.
func (g GUUID) Timestamp() time.Time {
	timestamp := binary.BigEndian.Uint64(g[:8])
	return time.Unix(0, int64(timestamp))
}

// Equal compares two GUUIDs for equality.
func (g GUUID) Equal(other GUUID) bool {
	return g == other
}

// MarshalText implements encoding.TextMarshaler.
func (g GUUID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GUUID) UnmarshalText(text []byte) error {
	parsed, err := FromString(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// Zero returns a zero-valued GUUID.
func Zero() GUUID {
	return GUUID{}
}
