package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/hivehub/internal/audit"
	"github.com/nerrad567/hivehub/internal/auth"
	"github.com/nerrad567/hivehub/internal/hub"
	"github.com/nerrad567/hivehub/internal/infrastructure/config"
	"github.com/nerrad567/hivehub/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Hub      config.HubConfig
	Metrics  config.MetricsConfig
	Logger   *logging.Logger
	Bus      *hub.Hub
	Auth     *auth.Authenticator
	Registry *prometheus.Registry // optional; enables /metrics and request metrics
	Audit    audit.Repository     // optional; records administrative changes
	Version  string
}

// Server is the HTTP API server of the hub.
//
// It serves the REST and long-poll API under the configured base path and
// the /client and /device WebSocket endpoints under the WebSocket path.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	hubCfg   config.HubConfig
	metCfg   config.MetricsConfig
	logger   *logging.Logger
	hub      *hub.Hub
	auth     *auth.Authenticator
	registry *prometheus.Registry
	audit    audit.Repository
	metrics  *serverMetrics
	version  string
	conns    *connRegistry
	handler  http.Handler
	server   *http.Server
	listener net.Listener
	baseCtx  context.Context
	cancel   context.CancelFunc // ends long polls and WebSocket pumps on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called; Handler() is usable
// immediately.
//
// Parameters:
//   - deps: Required dependencies (logger, hub, authenticator)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	s := &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		hubCfg:   deps.Hub,
		metCfg:   deps.Metrics,
		logger:   deps.Logger.With("component", "api"),
		hub:      deps.Bus,
		auth:     deps.Auth,
		registry: deps.Registry,
		audit:    deps.Audit,
		version:  deps.Version,
	}
	if deps.Registry != nil {
		s.metrics = newServerMetrics(deps.Registry)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.conns = newConnRegistry(s.logger, s.metrics)
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns, so a port in use is reported
// here; serving continues in a background goroutine until Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the listener cannot be bound
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close gracefully shuts down the API server.
//
// Long polls are released and WebSocket connections closed first, then
// in-flight requests get up to 10 seconds to complete.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.cancel()
	s.conns.closeAll()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and its store reachable.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	if err := s.hub.Ping(ctx); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	return nil
}

// ConnectionCount returns the number of open WebSocket connections.
func (s *Server) ConnectionCount() int {
	return s.conns.count()
}

// pollWait returns the default and maximum long-poll waits.
func (s *Server) pollWait() (def, maxWait time.Duration) {
	def = time.Duration(s.hubCfg.PollWait) * time.Second
	maxWait = time.Duration(s.hubCfg.MaxPollWait) * time.Second
	if maxWait <= 0 {
		maxWait = hub.MaxPollWait
	}
	if def <= 0 || def > maxWait {
		def = min(hub.DefaultPollWait, maxWait)
	}
	return def, maxWait
}
