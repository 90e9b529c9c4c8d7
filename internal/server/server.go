package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/portwayapi/portway/internal/config"
)

const shutdownGrace = 10 * time.Second

// Server owns the HTTP listener lifecycle.
type Server struct {
	http   *http.Server
	logger *slog.Logger
	once   sync.Once
}

// New binds the handler to the configured address.
func New(cfg config.ListenConfig, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		logger: logger.With(slog.String("agent", "http_server")),
	}
}

// Run serves until the context is canceled or the listener fails, then
// drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("address", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains connections once; later calls are no-ops.
func (s *Server) Shutdown() error {
	var err error
	s.once.Do(func() {
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err = s.http.Shutdown(shutdownCtx)
	})
	return err
}
