// Package admin exposes an HTTP control-plane API over the daemon's
// session.Manager using github.com/zeromicro/go-zero's rest package,
// with no protobuf/grpc codegen needed. Mutating routes (aborting a
// transfer) are JWT-guarded; the wire protocol itself stays
// unauthenticated; this guards only the daemon's control plane.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/zeromicro/go-zero/rest"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aetherflow/mtftp/internal/mtftpd/session"
	"github.com/aetherflow/mtftp/pkg/guuid"
)

// JWTVerifier validates a bearer token and is satisfied by *JWTManager.
// Kept as an interface so tests can stub it out.
type JWTVerifier interface {
	VerifyToken(token string) (subject string, err error)
}

// Config configures the admin API.
type Config struct {
	rest.RestConf
	JWTRequired bool
	// AbortRateLimit and AbortRateBurst token-bucket the mutating abort
	// route (per daemon process, not per caller): 0 falls back to a
	// conservative default rather than disabling the limiter.
	AbortRateLimit int
	AbortRateBurst int
	// Abort asks the daemon to abort the identified transfer at the
	// given generation. The protocol endpoints are single-threaded and
	// owned by the daemon's driver loop, so the handler must not touch
	// them from an HTTP goroutine; the daemon hands in a function that
	// enqueues the abort for the loop instead, and the generation lets
	// the loop drop requests that outlived the transfer they targeted.
	Abort func(id guuid.GUUID, gen uint64) error
}

// Server wraps a go-zero rest.Server exposing transfer listing, a
// per-transfer view, fleet-wide transfer counts, health, and a
// JWT-guarded, rate-limited abort route.
type Server struct {
	rest    *rest.Server
	mgr     *session.Manager
	jwt     JWTVerifier
	logger  *zap.Logger
	cfg     Config
	limiter *rate.Limiter
}

// New constructs the admin HTTP server and registers its routes.
func New(cfg Config, mgr *session.Manager, jwtVerifier JWTVerifier, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	restServer, err := rest.NewServer(cfg.RestConf, rest.WithCors())
	if err != nil {
		return nil, err
	}

	limit := cfg.AbortRateLimit
	if limit == 0 {
		limit = 5
	}
	burst := cfg.AbortRateBurst
	if burst == 0 {
		burst = limit
	}

	s := &Server{
		rest:    restServer,
		mgr:     mgr,
		jwt:     jwtVerifier,
		logger:  logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.rest.AddRoutes([]rest.Route{
		{Method: http.MethodGet, Path: "/health", Handler: s.handleHealth},
		{Method: http.MethodGet, Path: "/api/v1/transfers", Handler: s.handleListTransfers},
		{Method: http.MethodGet, Path: "/api/v1/transfers/:id", Handler: s.handleGetTransfer},
		{Method: http.MethodGet, Path: "/api/v1/stats", Handler: s.handleStats},
	})
	s.rest.AddRoutes([]rest.Route{
		{Method: http.MethodPost, Path: "/api/v1/transfers/:id/abort", Handler: s.requireAuth(s.rateLimited(s.handleAbortTransfer))},
	})
}

// rateLimited token-bucket limits the mutating route it wraps so a
// misbehaving operator console can't abort transfers faster than the
// daemon can keep up; it never applies to the read-only routes.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorBody("too many requests"))
			return
		}
		next(w, r)
	}
}

// Start blocks serving the admin API; call from its own goroutine.
func (s *Server) Start() {
	s.rest.Start()
}

// Stop shuts the admin API down.
func (s *Server) Stop() {
	s.rest.Stop()
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.JWTRequired {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token == auth {
			writeJSON(w, http.StatusUnauthorized, errorBody("missing bearer token"))
			return
		}
		if _, err := s.jwt.VerifyToken(token); err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody(err.Error()))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

type transferView struct {
	ID           string `json:"id"`
	RemoteAddr   string `json:"remote_addr"`
	State        string `json:"state"`
	CreatedAt    string `json:"created_at"`
	LastActiveAt string `json:"last_active_at"`
	// Generation identifies the protocol transfer currently running on
	// this session; pass it back as ?gen= on the abort route to pin the
	// abort to the transfer that was observed.
	Generation uint64 `json:"generation"`
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, total, err := s.mgr.List(r.Context(), nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	views := make([]transferView, 0, len(transfers))
	for _, t := range transfers {
		views = append(views, toView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "transfers": views})
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := guuid.FromString(pathParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid transfer id"))
		return
	}
	t, err := s.mgr.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, toView(t))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.GetStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAbortTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := guuid.FromString(pathParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid transfer id"))
		return
	}
	t, err := s.mgr.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
		return
	}
	if s.cfg.Abort == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody("abort not wired"))
		return
	}
	// ?gen= pins the abort to the transfer generation the operator
	// observed in a listing; between observing it and this request
	// landing, the same peer may have finished and started a fresh
	// transfer on the same session. Absent, the current generation is
	// used.
	gen := t.Generation.Load()
	if raw := r.URL.Query().Get("gen"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid gen"))
			return
		}
		gen = parsed
	}
	if err := s.cfg.Abort(t.ID, gen); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

func toView(t *session.Transfer) transferView {
	return transferView{
		ID:           t.ID.String(),
		RemoteAddr:   t.RemoteAddr.String(),
		State:        t.State().String(),
		CreatedAt:    t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		LastActiveAt: t.LastActiveAt().Format("2006-01-02T15:04:05Z07:00"),
		Generation:   t.Generation.Load(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// pathParam returns the :id path parameter by parsing the request's URL
// path, not the request context: go-zero's httpx.Vars isn't pulled in
// for this one lookup to keep the dependency surface small. It returns
// the last path segment, or the one before it when the last is "abort";
// name is not consulted.
func pathParam(r *http.Request, name string) string {
	_ = name
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	last := parts[len(parts)-1]
	if last == "abort" && len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return last
}
