// Package server wires the MTFTP protocol core into a daemon capable of
// serving a fleet of embedded nodes: one transport.Conn, one
// session.Manager fanning a server.Server out per remote address, and
// the daemon's metrics/admin/live/tracing/registry components, all
// constructed from a loaded Config.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/rest"
	"go.uber.org/zap"

	"github.com/aetherflow/mtftp/internal/mtftp"
	"github.com/aetherflow/mtftp/internal/mtftp/clock"
	"github.com/aetherflow/mtftp/internal/mtftp/protocol"
	mtftpserver "github.com/aetherflow/mtftp/internal/mtftp/server"
	"github.com/aetherflow/mtftp/internal/mtftpd"
	"github.com/aetherflow/mtftp/internal/mtftpd/admin"
	"github.com/aetherflow/mtftp/internal/mtftpd/live"
	"github.com/aetherflow/mtftp/internal/mtftpd/metrics"
	"github.com/aetherflow/mtftp/internal/mtftpd/registry"
	"github.com/aetherflow/mtftp/internal/mtftpd/session"
	"github.com/aetherflow/mtftp/internal/mtftpd/store"
	"github.com/aetherflow/mtftp/internal/mtftpd/tracing"
	"github.com/aetherflow/mtftp/internal/mtftpd/transport"
	"github.com/aetherflow/mtftp/pkg/guuid"
)

// Server is the assembled mtftp-server daemon.
type Server struct {
	cfg    *mtftpd.Config
	logger *zap.Logger

	protoCfg mtftp.Config
	conn     *transport.Conn
	files    *store.FileStore
	mgr      *session.Manager
	mtx      *metrics.Metrics
	tracer   *tracing.Tracer
	live     *live.Hub
	adminSrv *admin.Server
	registrar *registry.Registrar

	metricsHTTP *http.Server

	abortCh    chan abortRequest
	stopDriver chan struct{}
	driverDone chan struct{}
}

// New constructs every daemon component from cfg but does not start any
// of them yet; call Start to begin serving.
func New(cfg *mtftpd.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	protoCfg := cfg.Protocol.ToMTFTPConfig()
	if err := protoCfg.Validate(); err != nil {
		return nil, fmt.Errorf("mtftp-server: invalid protocol config: %w", err)
	}

	files := store.NewFileStore()
	for _, f := range cfg.Files {
		if err := files.RegisterServed(f.Index, f.Path); err != nil {
			return nil, fmt.Errorf("mtftp-server: register served file: %w", err)
		}
	}

	mtx := metrics.NewMetrics("mtftp", "server")

	tracer, err := tracing.NewTracer(tracing.Config{
		Enable:       cfg.Tracing.Enable,
		ServiceName:  cfg.Tracing.ServiceName,
		Endpoint:     cfg.Tracing.Endpoint,
		Exporter:     cfg.Tracing.Exporter,
		SampleRate:   cfg.Tracing.SampleRate,
		Environment:  cfg.Tracing.Environment,
		BatchTimeout: cfg.Tracing.BatchTimeout,
		MaxQueueSize: cfg.Tracing.MaxQueueSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("mtftp-server: build tracer: %w", err)
	}

	conn, err := transport.Listen(transport.Config{
		ListenAddr:   cfg.Listen.Addr,
		ReadBufSize:  1 << 20,
		WriteBufSize: 1 << 20,
		MaxPacket:    1500,
		OnDrop:       mtx.RecordRingBufferDrop,
	}, cfg.Protocol.RingBufferDepth, logger)
	if err != nil {
		return nil, fmt.Errorf("mtftp-server: listen: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		protoCfg:   protoCfg,
		conn:       conn,
		files:      files,
		mtx:        mtx,
		tracer:     tracer,
		abortCh:    make(chan abortRequest, 16),
		stopDriver: make(chan struct{}),
		driverDone: make(chan struct{}),
	}

	mgr, err := session.NewManager(&session.ManagerConfig{
		Store:       session.NewMemoryStore(),
		Logger:      logger,
		Tracer:      tracer,
		NewEndpoint: s.newEndpointFor,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mtftp-server: build session manager: %w", err)
	}
	s.mgr = mgr

	if cfg.Live.Enable {
		s.live = live.NewHub(logger)
	}

	if cfg.Admin.Enable {
		jwtMgr := admin.NewJWTManager(cfg.Admin.JWTSecret, 24*time.Hour, cfg.Admin.JWTIssuer)
		// Build RestConf through go-zero's conf loader so the json-tag
		// defaults (Recover/Timeout/MaxBytes middleware and friends)
		// apply; a bare struct literal would leave them all zero.
		var restConf rest.RestConf
		restJSON, _ := json.Marshal(map[string]any{
			"Name": "mtftp-admin",
			"Host": cfg.Admin.Host,
			"Port": cfg.Admin.Port,
		})
		if err := conf.LoadFromJsonBytes(restJSON, &restConf); err != nil {
			conn.Close()
			return nil, fmt.Errorf("mtftp-server: build admin rest config: %w", err)
		}
		adminSrv, err := admin.New(admin.Config{
			RestConf:       restConf,
			JWTRequired:    cfg.Admin.JWTRequired,
			AbortRateLimit: cfg.Admin.AbortRateLimit,
			AbortRateBurst: cfg.Admin.AbortRateBurst,
			Abort:          s.AbortTransfer,
		}, mgr, jwtMgr, logger)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("mtftp-server: build admin API: %w", err)
		}
		s.adminSrv = adminSrv
	}

	return s, nil
}

// endpointHost implements mtftpserver.Host for one remote client,
// routing SendPacket through the daemon's shared socket and ReadFile
// through the daemon's shared file registry.
type endpointHost struct {
	conn  *transport.Conn
	addr  *net.UDPAddr
	files *store.FileStore
	mtx   *metrics.Metrics
	t     *session.Transfer
}

func (h *endpointHost) SendPacket(b []byte) {
	if err := h.conn.SendTo(b, h.addr); err != nil {
		return
	}
	h.mtx.RecordSent(protocol.Opcode(b[0]).String())
	h.t.Stats.PacketsSent++
	h.t.Stats.BytesSent += uint64(len(b))
	if protocol.Opcode(b[0]) == protocol.OpData {
		h.t.Stats.BytesPayload += uint64(len(b) - protocol.DataHeaderLen)
	}
}

func (h *endpointHost) ReadFile(fileIndex uint16, fileOffset uint32, buf []byte, want uint16) (uint16, bool) {
	return h.files.ReadFile(fileIndex, fileOffset, buf, want)
}

// newEndpointFor builds one per-client server.Server bound to
// remoteAddr, the factory session.Manager calls on the first packet from
// an unrecognised source address. t is the Transfer record the manager is building
// around this endpoint; the lifecycle callbacks close over it so they
// can end its trace span once the transfer reaches a terminal state.
func (s *Server) newEndpointFor(addr *net.UDPAddr, t *session.Transfer) (*mtftpserver.Server, error) {
	host := &endpointHost{conn: s.conn, addr: addr, files: s.files, mtx: s.mtx, t: t}
	// OnError fires before OnIdle when a transfer aborts on a failed
	// read or a received ERR; without it every return to IDLE would be
	// recorded as a completion.
	outcome := "completed"
	return mtftpserver.New(s.protoCfg, host, mtftpserver.Callbacks{
		OnError: func() { outcome = "aborted" },
		OnIdle: func() {
			s.mtx.RecordTransferEnd(outcome, transferDuration(t), int64(t.Stats.BytesPayload))
			if s.live != nil {
				s.live.Broadcast(live.Event{
					Type:       live.EventTransferEnd,
					Timestamp:  time.Now(),
					TransferID: t.ID.String(),
					RemoteAddr: addr.String(),
					Outcome:    outcome,
				})
			}
			s.mgr.EndSpan(t, outcome)
			outcome = "completed"
		},
		OnTimeout: func() {
			s.mtx.RecordTransferEnd("timeout", transferDuration(t), int64(t.Stats.BytesPayload))
			if s.live != nil {
				s.live.Broadcast(live.Event{
					Type:       live.EventTransferTimeout,
					Timestamp:  time.Now(),
					TransferID: t.ID.String(),
					RemoteAddr: addr.String(),
					Outcome:    "timeout",
				})
			}
			s.mgr.EndSpan(t, "timeout")
		},
	}, clock.Real{}, s.logger)
}

func transferDuration(t *session.Transfer) time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	return time.Since(t.StartedAt)
}

// Start begins serving: the admin API, the live dashboard, the optional
// metrics HTTP listener and etcd registration, and the packet-driver
// loop. It blocks until Stop is called.
func (s *Server) Start() error {
	if s.adminSrv != nil {
		go s.adminSrv.Start()
	}
	if s.live != nil {
		mux := http.NewServeMux()
		mux.Handle(s.cfg.Live.Path, s.live)
		go func() {
			if err := http.ListenAndServe(s.cfg.Live.Addr, mux); err != nil && err != http.ErrServerClosed {
				s.logger.Error("live dashboard server error", zap.Error(err))
			}
		}()
	}
	if s.cfg.Metrics.Enable {
		go s.startMetricsServer()
	}
	if s.cfg.Registry.Enable {
		reg, err := registry.Register(registry.Config{
			Endpoints:    s.cfg.Registry.Endpoints,
			DialTimeout:  time.Duration(s.cfg.Registry.DialTimeout) * time.Second,
			ServiceKey:   fmt.Sprintf("/services/%s/%s", s.cfg.Registry.ServiceName, s.cfg.Listen.Addr),
			ServiceValue: s.cfg.Listen.Addr,
			TTLSeconds:   s.cfg.Registry.AdvertiseTTL,
		}, s.logger)
		if err != nil {
			s.logger.Warn("etcd registration failed, continuing without it", zap.Error(err))
		} else {
			s.registrar = reg
		}
	}

	s.logger.Info("mtftp-server started", zap.String("listen_addr", s.cfg.Listen.Addr))
	s.driveLoop()
	close(s.driverDone)
	return nil
}

// driveLoop reads inbound packets off the transport, routes each to its
// Transfer, and ticks every known endpoint at the configured interval
// (a single-threaded, non-blocking driver).
func (s *Server) driveLoop() {
	ticker := time.NewTicker(s.cfg.Protocol.TickInterval())
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-s.stopDriver:
			return
		case req := <-s.abortCh:
			s.abortTransfer(ctx, req)
		case <-ticker.C:
			for _, pkt := range s.conn.Drain(256) {
				s.handlePacket(ctx, pkt)
			}
			s.tickAll(ctx)
		}
	}
}

// abortRequest names the transfer an operator asked to kill; gen pins
// it to the protocol transfer that was running when they asked.
type abortRequest struct {
	id  guuid.GUUID
	gen uint64
}

// AbortTransfer asks the driver loop to abort the transfer that was
// running on session id at generation gen. The protocol endpoints are
// owned by that loop, so the abort is queued rather than executed on
// the caller's goroutine; it is the function the admin API's abort
// route is wired to.
func (s *Server) AbortTransfer(id guuid.GUUID, gen uint64) error {
	select {
	case s.abortCh <- abortRequest{id: id, gen: gen}:
		return nil
	default:
		return fmt.Errorf("mtftp-server: abort queue full")
	}
}

func (s *Server) abortTransfer(ctx context.Context, req abortRequest) {
	t, err := s.mgr.Get(ctx, req.id)
	if err != nil {
		s.logger.Warn("abort requested for unknown transfer", zap.String("transfer_id", req.id.String()))
		return
	}
	if t.Generation.Load() != req.gen {
		// The targeted transfer already ended and the same peer started
		// a new one; killing that instead would hit a healthy transfer
		// the operator never asked about.
		s.logger.Info("abort request is stale, ignoring",
			zap.String("transfer_id", req.id.String()))
		return
	}
	if t.Endpoint.IsIdle() {
		// Already finished; an ERR now could reach the peer mid-way
		// through its next transfer and kill that one instead.
		s.logger.Info("abort requested for idle transfer, nothing to do",
			zap.String("transfer_id", req.id.String()))
		return
	}
	errPkt := protocol.Err{Kind: protocol.ErrFileReadFailed}.Marshal()
	// Tell the peer before dropping local state, so it aborts now
	// instead of waiting out its inactivity timeout.
	if err := s.conn.SendTo(errPkt, t.RemoteAddr); err == nil {
		s.mtx.RecordSent(protocol.OpErr.String())
	}
	t.Endpoint.OnPacketRecv(errPkt)
	_ = s.mgr.Touch(ctx, t)
	s.logger.Info("transfer aborted by operator", zap.String("transfer_id", req.id.String()))
}

func (s *Server) handlePacket(ctx context.Context, pkt transport.Packet) {
	t, err := s.mgr.GetOrCreate(ctx, pkt.Addr)
	if err != nil {
		s.logger.Warn("failed to route inbound packet", zap.Error(err), zap.String("remote_addr", pkt.Addr.String()))
		return
	}

	op, _ := protocol.DecodeOpcode(pkt.Data)
	result := t.Endpoint.OnPacketRecv(pkt.Data)
	s.mtx.RecordRecvResult("server", result.String())
	if !result.Benign() {
		s.logger.Debug("rejected inbound packet",
			zap.String("remote_addr", pkt.Addr.String()),
			zap.Stringer("result", result))
	}
	if result == protocol.RecvOk {
		s.mtx.RecordReceived(op.String())
		t.Stats.PacketsReceived++
		switch op {
		case protocol.OpRRQ:
			// New transfer on this session: the stats and start time
			// cover one transfer, not the session's lifetime.
			t.Stats = session.Stats{PacketsReceived: 1}
			t.StartedAt = time.Now()
			t.Generation.Add(1)
			s.mtx.RecordTransferStart()
			if s.tracer != nil && s.tracer.IsEnabled() {
				rrq, _ := protocol.DecodeRRQ(pkt.Data)
				if t.Span == nil {
					// The session's first span comes from GetOrCreate;
					// a reused session needs a fresh one per transfer.
					_, span := s.tracer.StartTransfer(ctx, rrq.FileIndex, pkt.Addr.String())
					t.Span = span
				} else {
					// GetOrCreate opened the span before the RRQ was
					// decoded; fill in the real file_index now.
					s.tracer.SetFileIndex(t.Span, rrq.FileIndex)
				}
			}
		case protocol.OpRTX:
			rtx, _, _ := protocol.DecodeRTX(pkt.Data)
			t.Stats.Retransmissions += uint64(len(rtx.BlockNos))
			s.mtx.RecordRetransmit(len(rtx.BlockNos))
			if t.Span != nil {
				s.tracer.RecordRTX(t.Span, rtx.BlockNos)
			}
			if s.live != nil {
				s.live.Broadcast(live.Event{
					Type:       live.EventRTXIssued,
					Timestamp:  time.Now(),
					TransferID: t.ID.String(),
					RemoteAddr: pkt.Addr.String(),
					Missing:    rtx.BlockNos,
				})
			}
		}
	}
	_ = s.mgr.Touch(ctx, t)
}

func (s *Server) tickAll(ctx context.Context) {
	transfers, _, err := s.mgr.List(ctx, nil)
	if err != nil {
		return
	}
	for _, t := range transfers {
		t.Endpoint.Tick()
		s.mgr.Sync(t)
	}
}

func (s *Server) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Metrics.Path, promhttp.Handler())
	s.metricsHTTP = &http.Server{Addr: s.cfg.Metrics.Addr, Handler: mux}
	if err := s.metricsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("metrics server error", zap.Error(err))
	}
}

// Stop shuts every component down.
func (s *Server) Stop() {
	close(s.stopDriver)
	<-s.driverDone

	if s.adminSrv != nil {
		s.adminSrv.Stop()
	}
	if s.live != nil {
		s.live.Close()
	}
	if s.registrar != nil {
		_ = s.registrar.Close()
	}
	if s.metricsHTTP != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metricsHTTP.Shutdown(ctx)
	}
	_ = s.mgr.Close()
	if s.tracer != nil {
		// mgr.Close ends any still-open per-transfer spans; the tracer's
		// span processor must still be up to receive them, so shut it
		// down last.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracer.Shutdown(ctx)
	}
	_ = s.files.Close()
	_ = s.conn.Close()

	s.logger.Info("mtftp-server stopped")
}
