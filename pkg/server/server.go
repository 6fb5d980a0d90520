package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

const shutdownTimeout = 20 * time.Second

// Server wraps http.Server with context-driven graceful shutdown.
type Server struct {
	*http.Server
	Logger *slog.Logger
	// CleanUpFuncs run after the server has successfully shut down.
	CleanUpFuncs []func(ctx context.Context)
}

// Start serves until ctx is cancelled, then drains in-flight requests
// before running the cleanup functions.
func (s *Server) Start(ctx context.Context) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s.Server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	done := make(chan struct{})

	go func() {
		<-ctx.Done()

		logger.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				logger.Error("graceful shutdown timed out, forcing exit")
				os.Exit(1)
			}
		}()

		if err := s.Server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.String("error", err.Error()))
			os.Exit(1)
		}

		for _, cf := range s.CleanUpFuncs {
			cf(shutdownCtx)
		}

		close(done)
	}()

	logger.Info("server started", slog.String("addr", s.Server.Addr))

	err := s.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		logger.Error("server exit", slog.String("error", err.Error()))
		os.Exit(1)
	}

	<-done
}
