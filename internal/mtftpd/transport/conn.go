// Package transport wraps a UDP socket for the MTFTP daemon, sized to
// MTFTP's small fixed datagrams and adapted to feed a single-threaded,
// non-blocking protocol core through a bounded ring buffer rather than
// calling into the core from the network goroutine directly.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// Config holds socket tuning parameters.
type Config struct {
	ListenAddr   string
	ReadBufSize  int
	WriteBufSize int
	MaxPacket    int
	// OnDrop, if set, is invoked from the read goroutine each time a
	// full ring buffer forces an inbound packet to be discarded. It must
	// be safe to call concurrently with the consumer.
	OnDrop func()
}

// DefaultConfig returns sane defaults for a LAN deployment.
func DefaultConfig() Config {
	return Config{
		ReadBufSize:  1 << 20,
		WriteBufSize: 1 << 20,
		MaxPacket:    1500,
	}
}

// Statistics tracks basic socket-level counters.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	ReadErrors      uint64
	RingBufferDrops uint64
}

// Packet is one inbound datagram plus the address it came from.
type Packet struct {
	Data []byte
	Addr *net.UDPAddr
}

// Conn wraps a net.UDPConn and a single-producer single-consumer ring
// buffer of inbound packets between a datagram interrupt and the core.
// Dropping a packet on a full buffer is acceptable, the sender will
// retransmit it.
type Conn struct {
	cfg    Config
	sock   *net.UDPConn
	logger *zap.Logger

	stats Statistics

	ring chan Packet
}

// Listen opens a UDP socket bound to cfg.ListenAddr and starts its read
// loop feeding the ring buffer, whose capacity is ringCapacity packets.
func Listen(cfg Config, ringCapacity int, logger *zap.Logger) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr: %w", err)
	}
	sock, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	if cfg.ReadBufSize > 0 {
		_ = sock.SetReadBuffer(cfg.ReadBufSize)
	}
	if cfg.WriteBufSize > 0 {
		_ = sock.SetWriteBuffer(cfg.WriteBufSize)
	}

	c := &Conn{
		cfg:    cfg,
		sock:   sock,
		logger: logger,
		ring:   make(chan Packet, ringCapacity),
	}
	go c.readLoop()
	return c, nil
}

// Dial opens a UDP socket connected to a single remote address, used by
// cmd/mtftp-client.
func Dial(remoteAddr string, logger *zap.Logger) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve remote addr: %w", err)
	}
	sock, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	c := &Conn{
		cfg:    DefaultConfig(),
		sock:   sock,
		logger: logger,
		ring:   make(chan Packet, 64),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	buf := make([]byte, c.cfg.MaxPacket)
	if len(buf) == 0 {
		buf = make([]byte, 1500)
	}
	for {
		n, addr, err := c.sock.ReadFromUDP(buf)
		if err != nil {
			c.stats.ReadErrors++
			return // socket closed
		}
		c.stats.PacketsReceived++
		c.stats.BytesReceived += uint64(n)

		cp := make([]byte, n)
		copy(cp, buf[:n])

		select {
		case c.ring <- Packet{Data: cp, Addr: addr}:
		default:
			c.stats.RingBufferDrops++
			if c.cfg.OnDrop != nil {
				c.cfg.OnDrop()
			}
			c.logger.Debug("ring buffer full, dropping inbound packet",
				zap.String("remote_addr", addr.String()))
		}
	}
}

// Drain pulls up to max queued packets off the ring buffer without
// blocking, for a driver loop that must always reach its tick() call:
// batch-draining keeps a burst of DATA from starving the timeout check.
func (c *Conn) Drain(max int) []Packet {
	out := make([]Packet, 0, max)
	for len(out) < max {
		select {
		case p := <-c.ring:
			out = append(out, p)
		default:
			return out
		}
	}
	return out
}

// Next blocks, with a context deadline, for the next inbound packet.
func (c *Conn) Next(ctx context.Context) (Packet, bool) {
	select {
	case p := <-c.ring:
		return p, true
	case <-ctx.Done():
		return Packet{}, false
	}
}

// SendTo writes b to addr (server side, many peers).
func (c *Conn) SendTo(b []byte, addr *net.UDPAddr) error {
	n, err := c.sock.WriteToUDP(b, addr)
	if err != nil {
		return fmt.Errorf("write udp: %w", err)
	}
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(n)
	return nil
}

// Send writes b to the connected peer (client side).
func (c *Conn) Send(b []byte) error {
	n, err := c.sock.Write(b)
	if err != nil {
		return fmt.Errorf("write udp: %w", err)
	}
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(n)
	return nil
}

// Statistics returns a snapshot of socket-level counters.
func (c *Conn) Statistics() Statistics {
	return c.stats
}

// LocalAddr returns the socket's local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.sock.LocalAddr()
}

// SetDeadline applies a read deadline of d from now to the socket.
func (c *Conn) SetDeadline(d time.Duration) error {
	return c.sock.SetReadDeadline(time.Now().Add(d))
}

// Close shuts down the socket, which unblocks readLoop.
func (c *Conn) Close() error {
	return c.sock.Close()
}
