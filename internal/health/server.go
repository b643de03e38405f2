package health

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// Server provides HTTP health check endpoint
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// New creates a new health check server
func New(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Health check server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down health check server")
	return s.server.Shutdown(ctx)
}
