// Package server exposes the realtime service and the query coordinator over
// HTTP. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/marcus-qen/sqlpulse/internal/config"
	"github.com/marcus-qen/sqlpulse/internal/metrics"
	"github.com/marcus-qen/sqlpulse/internal/querystream"
	"github.com/marcus-qen/sqlpulse/internal/realtime"
	"github.com/marcus-qen/sqlpulse/internal/sqlexec"
	"go.uber.org/zap"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the assembled sqlpulse process.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	db       *sqlexec.DB
	metrics  *metrics.Metrics
	realtime *realtime.Service
	queries  *querystream.Coordinator

	// queryCtx bounds background executions submitted over HTTP.
	queryCtx    context.Context
	cancelQuery context.CancelFunc

	httpServer *http.Server
}

// New opens the database and wires every subsystem.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rtCfg, err := cfg.Realtime(Version)
	if err != nil {
		return nil, err
	}

	db, err := sqlexec.Open(cfg.DatabasePath, logger.Named("sqlexec"))
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, logger: logger, db: db}
	s.metrics = metrics.New(func() int { return s.realtime.Count() })
	s.realtime = realtime.New(rtCfg, logger.Named("realtime"), realtime.WithMetrics(s.metrics))
	s.queries = querystream.New(
		querystream.SQLiteExecutor{DB: db},
		s.realtime,
		querystream.Config{ChunkSize: cfg.ChunkSize, ChunkDelay: cfg.ChunkDelay()},
		logger.Named("querystream"),
		s.metrics,
	)
	s.queryCtx, s.cancelQuery = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     maxBodySizeMiddleware(mux),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.realtime.Start(ctx)

	s.logger.Info("starting sqlpulse",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.String("database", s.cfg.DatabasePath),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases all resources.
func (s *Server) Close() {
	s.cancelQuery()
	// Background queries hold sessions; they must return before the pool closes.
	s.queries.Wait()
	s.realtime.Close()
	if err := s.db.Close(); err != nil {
		s.logger.Warn("close database", zap.Error(err))
	}
}
