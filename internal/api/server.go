package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/aleister1102/anchorwatch/internal/config"
	"github.com/aleister1102/anchorwatch/internal/datastore"
	"github.com/aleister1102/anchorwatch/internal/health"
	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Coordinator is the part of the integrity coordinator the admin surface drives.
type Coordinator interface {
	Register(ctx context.Context, path, recipient string) (models.MonitoredFile, error)
	Remove(ctx context.Context, path string) error
}

// LedgerProbe reports ledger reachability for the health endpoint.
type LedgerProbe interface {
	Connected(ctx context.Context) bool
}

// Server serves the administrative HTTP API.
type Server struct {
	cfg       config.APIConfig
	coord     Coordinator
	store     datastore.Store
	ledger    LedgerProbe
	resources func() health.ResourceUsage
	logger    zerolog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
}

// NewServer creates an API server. Call Start to begin listening.
func NewServer(cfg config.APIConfig, coord Coordinator, store datastore.Store, ledger LedgerProbe, logger zerolog.Logger) *Server {
	if cfg.DefaultAlertLimit <= 0 {
		cfg.DefaultAlertLimit = config.DefaultAPIAlertLimit
	}
	return &Server{
		cfg:       cfg,
		coord:     coord,
		store:     store,
		ledger:    ledger,
		resources: health.Snapshot,
		logger:    logger.With().Str("component", "APIServer").Logger(),
	}
}

// Handler returns the routed handler, usable without a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Post("/add_file", s.handleAddFile)
		api.Post("/remove_file", s.handleRemoveFile)
		api.Get("/monitored_files", s.handleMonitoredFiles)
		api.Get("/alerts", s.handleAlerts)
		api.Get("/health", s.handleHealth)
	})
	return r
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return errors.New("api server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.listener = ln
	s.serveErr = make(chan error, 1)
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout(),
		WriteTimeout: s.cfg.WriteTimeout(),
	}

	go func(srv *http.Server, errCh chan<- error) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server stopped unexpectedly")
			errCh <- err
		}
		close(errCh)
	}(s.httpServer, s.serveErr)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	return nil
}

// Addr returns the bound address, or empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, errCh := s.httpServer, s.serveErr
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	if err, ok := <-errCh; ok {
		return err
	}
	s.logger.Info().Msg("API server stopped")
	return nil
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		s.logger.Debug().Str("request_id", id).Str("method", r.Method).Str("route", r.URL.Path).Msg("Request")
		next.ServeHTTP(w, r)
	})
}
