// Package server is the development chat backend: REST login and history
// endpoints plus the WebSocket relay, served from one mux.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/christopherjohns/chatsync/internal/auth"
	"github.com/christopherjohns/chatsync/internal/message"
	"github.com/christopherjohns/chatsync/internal/metrics"
	"github.com/christopherjohns/chatsync/internal/ratelimit"
	"github.com/christopherjohns/chatsync/internal/relay"
)

const (
	maxLoginBody    = 4 << 10
	shutdownTimeout = 10 * time.Second
)

// Server is the main HTTP server for the chat backend.
type Server struct {
	addr     string
	mux      *http.ServeMux
	logger   *slog.Logger
	registry *prometheus.Registry

	jwt      *auth.JWTService
	accounts *auth.Accounts
	login    *ratelimit.Limiter

	relayCfg    relay.Config
	connOpts    []relay.ConnManagerOption
	redis       redis.Cmdable
	history     message.MessageStore
	historySize int
	conns       *relay.ConnManager
	relay       *relay.Handler
	debug       bool
	listening   chan net.Addr
}

// Option configures a Server.
type Option func(*Server)

// WithRedis stores relay history in Redis instead of memory.
func WithRedis(client redis.Cmdable) Option {
	return func(s *Server) {
		s.redis = client
	}
}

// WithLogger sets the server logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRegistry registers server and relay metrics with reg and serves
// them on /metrics. Defaults to a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithAccounts sets the accounts accepted by POST /auth/login.
func WithAccounts(accounts []auth.Account) Option {
	return func(s *Server) {
		s.accounts = auth.NewAccounts(accounts)
	}
}

// WithLoginLimit allows n login attempts per window from one address.
func WithLoginLimit(n int, window time.Duration) Option {
	return func(s *Server) {
		s.login = ratelimit.New(n, window)
	}
}

// WithRelayConfig sets relay limits.
func WithRelayConfig(cfg relay.Config) Option {
	return func(s *Server) {
		s.relayCfg = cfg
	}
}

// WithConnOptions passes options through to the relay's connection manager.
func WithConnOptions(opts ...relay.ConnManagerOption) Option {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// WithDebugRoutes enables POST /debug/drop-connections, which abruptly
// closes every WebSocket so clients exercise their reconnect path.
func WithDebugRoutes(enabled bool) Option {
	return func(s *Server) {
		s.debug = enabled
	}
}

// New creates a new Server listening on addr. Tokens issued at login and
// presented on /ws and the REST endpoints are signed by jwt.
func New(addr string, jwt *auth.JWTService, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		mux:       http.NewServeMux(),
		logger:    slog.Default(),
		jwt:       jwt,
		accounts:  auth.NewAccounts(nil),
		login:     ratelimit.New(10, time.Minute),
		relayCfg:  relay.DefaultConfig(),
		listening: make(chan net.Addr, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	base := s.logger
	s.logger = base.With("component", "server")
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	s.historySize = s.relayCfg.HistorySize
	if s.historySize <= 0 {
		s.historySize = relay.DefaultConfig().HistorySize
	}
	if s.redis != nil {
		s.history = message.NewRedisStore(s.redis, s.historySize)
	} else {
		s.history = message.NewStore(s.historySize)
	}

	connOpts := []relay.ConnManagerOption{
		relay.WithLogger(base),
		relay.WithMetrics(metrics.NewRelay(s.registry)),
		relay.WithMaxConns(s.relayCfg.MaxConns),
		relay.WithIdleTimeout(s.relayCfg.IdleTimeout),
	}
	s.conns = relay.NewConnManager(append(connOpts, s.connOpts...)...)
	s.relay = relay.NewHandler(relay.NewHub(s.conns), jwt, s.history, s.relayCfg)

	s.routes()
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the relay's room fan-out.
func (s *Server) Hub() *relay.Hub {
	return s.relay.Hub()
}

// Listening yields the bound address once Run is accepting connections.
func (s *Server) Listening() <-chan net.Addr {
	return s.listening
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening", "addr", ln.Addr().String())
	s.listening <- ln.Addr()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.conns.Shutdown()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.conns.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /chat-rooms/{roomId}/messages", s.handleRoomMessages)
	s.mux.Handle("GET /ws", s.relay)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	if s.debug {
		s.mux.HandleFunc("POST /debug/drop-connections", s.handleDropConnections)
	}
}

// envelope is the wrapper every REST response uses.
type envelope struct {
	IsSuccess bool   `json:"isSuccess"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Result    any    `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, envelope{IsSuccess: true, Code: "COMMON200", Message: "OK", Result: result})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, envelope{Code: code, Message: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.conns.Stats(),
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResult struct {
	AccessToken string `json:"accessToken"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.login.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "AUTH429", "too many login attempts")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "COMMON400", "invalid JSON body")
		return
	}
	identity, err := s.accounts.Authenticate(req.Email, req.Password)
	if err != nil {
		s.logger.Info("login rejected", "email", req.Email)
		writeError(w, http.StatusUnauthorized, "AUTH401", "invalid email or password")
		return
	}
	token, err := s.jwt.Generate(identity)
	if err != nil {
		s.logger.Error("generate token", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "COMMON500", "could not issue token")
		return
	}
	s.logger.Info("login", "user_id", identity.UserID)
	writeResult(w, loginResult{AccessToken: token})
}

func (s *Server) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "AUTH401", "missing bearer token")
		return
	}
	if _, err := s.jwt.Validate(token); err != nil {
		writeError(w, http.StatusUnauthorized, "AUTH401", "invalid token")
		return
	}
	roomID, err := strconv.ParseInt(r.PathValue("roomId"), 10, 64)
	if err != nil || roomID <= 0 {
		writeError(w, http.StatusBadRequest, "COMMON400", "invalid room id")
		return
	}

	msgs := s.history.Recent(roomID, s.historySize)
	out := make([]message.Wire, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, message.ToWire(m))
	}
	writeResult(w, out)
}

func (s *Server) handleDropConnections(w http.ResponseWriter, r *http.Request) {
	n := s.conns.Count()
	s.conns.DropAll()
	s.logger.Warn("dropped all connections", "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"dropped": n})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
