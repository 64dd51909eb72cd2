package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/server/handler"
	"github.com/alanyoungcy/marketsync/internal/server/middleware"
	"github.com/alanyoungcy/marketsync/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// RateLimit is the per-client request budget per RateWindow. Zero
	// disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Status and
// Chart may be nil.
type Handlers struct {
	Health *handler.HealthHandler
	Status *handler.StatusHandler
	Chart  *handler.ChartHandler
}

// Server is the read-only HTTP + WebSocket relay for derived market data.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux.
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if c := handlers.Chart; c != nil {
		mux.HandleFunc("GET /api/markets", c.ListMarkets)
		mux.HandleFunc("GET /api/markets/{id}/candles", c.GetCandles)
		mux.HandleFunc("GET /api/markets/{id}/volume", c.GetVolume)
		mux.HandleFunc("GET /api/markets/{id}/sparkline", c.GetSparkline)
		mux.HandleFunc("GET /api/markets/{id}/book", c.GetBook)
		mux.HandleFunc("GET /api/markets/{id}/price", c.GetPrice)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the fully wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured port. It blocks until the server fails or
// is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
