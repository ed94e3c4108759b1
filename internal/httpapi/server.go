package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	"github.com/rmacdonaldsmith/eventrelay/pkg/registry"
	"github.com/rmacdonaldsmith/eventrelay/pkg/relay"
)

// Version is reported by the root endpoint
const Version = "1.0.0"

// DefaultSecretKey is used when no secret is configured
const DefaultSecretKey = "eventrelay-dev-secret-key-change-in-production"

// Config holds server configuration
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	SecretKey    string
	NoAuth       bool // Development mode: ingestion without tokens
	TokenTTL     time.Duration
	AdminClients []string
	// LoginSecret is the shared secret a login must present. When empty,
	// login is a development flow: any client id gets a token, never admin.
	LoginSecret string

	CORSOrigins    []string
	RateLimitRPS   float64 // per client IP on ingestion routes; 0 disables
	RateLimitBurst int

	KeepaliveInterval time.Duration // SSE ping interval
	SendQueueSize     int           // per SSE connection

	DefaultQueryLimit int // keyed queries without a limit
	IngestQueryLimit  int // GET /events without a limit

	Logger *slog.Logger
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.SecretKey == "" {
		c.SecretKey = DefaultSecretKey
	}
	if len(c.AdminClients) == 0 {
		c.AdminClients = []string{"admin"}
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = registry.DefaultSendQueueSize
	}
	if c.DefaultQueryLimit == 0 {
		c.DefaultQueryLimit = eventlog.DefaultQueryLimit
	}
	if c.IngestQueryLimit == 0 {
		c.IngestQueryLimit = eventlog.DefaultIngestQueryLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server represents the HTTP API server
type Server struct {
	relay      relay.Relay
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	limiter    *RateLimiter
	server     *http.Server
	logger     *slog.Logger

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewServer creates a new HTTP API server
func NewServer(r relay.Relay, config Config) (*Server, error) {
	if r == nil {
		return nil, errors.New("relay cannot be nil")
	}
	config.SetDefaults()
	logger := config.Logger.With("component", "httpapi")
	config.Logger = logger

	jwtAuth := NewJWTAuth(config.SecretKey, config.TokenTTL)
	limiter := NewRateLimiter(config.RateLimitRPS, config.RateLimitBurst)
	shutdown := make(chan struct{})

	handlers, err := NewHandlers(r, jwtAuth, config, shutdown)
	if err != nil {
		limiter.Close()
		return nil, err
	}

	s := &Server{
		relay:      r,
		jwtAuth:    jwtAuth,
		handlers:   handlers,
		middleware: NewMiddleware(jwtAuth, config.NoAuth, config.CORSOrigins, limiter, logger),
		limiter:    limiter,
		logger:     logger,
		shutdown:   shutdown,
	}

	s.server = &http.Server{
		Addr:           config.Addr,
		Handler:        s.setupRoutes(),
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
		ErrorLog:       slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return s, nil
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// JWTAuth returns the token issuer the server validates against
func (s *Server) JWTAuth() *JWTAuth {
	return s.jwtAuth
}

// Start listens on the configured address and serves until Stop.
// It returns nil after a graceful stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http api listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop ends open event streams and gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		s.limiter.Close()
	})
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()
	m := s.middleware

	// Apply global middleware
	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return m.Recovery(
			m.Logging(
				m.CORS(
					m.ContentType(handler))))
	}
	ingestion := func(handler http.HandlerFunc) http.Handler {
		return withMiddleware(m.RateLimited(m.AuthRequired(handler)))
	}

	// Authentication endpoints (no auth required)
	mux.Handle("POST /api/v1/auth/login", withMiddleware(s.handlers.Login))

	// Ingestion endpoints (auth required unless disabled)
	mux.Handle("POST /event", ingestion(s.handlers.PostEvent))
	mux.Handle("POST /api/v1/robots/{robotId}/events", ingestion(s.handlers.PublishRobotEvent))

	// Query and stream endpoints (open)
	mux.Handle("GET /events", withMiddleware(s.handlers.QueryEvents))
	mux.Handle("GET /api/v1/robots/{robotId}/events", withMiddleware(s.handlers.QueryRobotEvents))
	mux.Handle("GET /api/v1/events/stream", withMiddleware(s.handlers.StreamEvents))

	// Admin endpoints (admin auth required)
	mux.Handle("GET /api/v1/admin/stats", withMiddleware(m.AdminRequired(s.handlers.AdminStats)))
	mux.Handle("GET /api/v1/admin/connections", withMiddleware(m.AdminRequired(s.handlers.AdminConnections)))

	// Health endpoints (no auth required)
	mux.Handle("GET /health", withMiddleware(s.handlers.Status))
	mux.Handle("GET /api/v1/health", withMiddleware(s.handlers.Health))

	// Root endpoint with API info; also answers preflights and unknown paths
	mux.Handle("/", withMiddleware(s.handlers.Root))

	return mux
}
