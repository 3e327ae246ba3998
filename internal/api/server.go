// Package api provides the HTTP control API for a recorder.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

// Options configure a Server.
type Options struct {
	Addr string
	// AllowedOrigins get CORS headers; other origins get none.
	AllowedOrigins []string
	// SaveRateLimit bounds replay saves per client IP within SaveRateWindow.
	// Zero disables the limit.
	SaveRateLimit  int
	SaveRateWindow time.Duration
	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
	// StatusInterval paces status pushes on /api/events. Zero means one second.
	StatusInterval time.Duration
	Logger  recorderlog.Logger
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	recording  *RecordingHandler
	events     *EventHub
	limiter    *RateLimiter
	logger     recorderlog.Logger
}

// NewServer creates a new API server controlling ctrl.
func NewServer(ctrl Controller, opts Options) *Server {
	logger := recorderlog.OrNop(opts.Logger).Named("api")
	mux := http.NewServeMux()

	s := &Server{
		mux:       mux,
		recording: NewRecordingHandler(ctrl, logger),
		events:    NewEventHub(ctrl, opts.StatusInterval, opts.AllowedOrigins, logger),
		logger:    logger,
	}
	if opts.SaveRateLimit > 0 {
		s.limiter = NewRateLimiter(opts.SaveRateLimit, opts.SaveRateWindow)
	}
	s.recording.RegisterRoutes(mux, s.limiter)
	mux.Handle("/api/events", s.events)

	// Health check endpoint
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           corsMiddleware(opts.AllowedOrigins, mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Saves write a whole replay window before responding.
		WriteTimeout:   2 * time.Minute,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Notify pushes a recorder error to /api/events clients.
func (s *Server) Notify(err error) { s.events.Notify(err) }

// corsMiddleware adds CORS headers for whitelisted origins
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowedOrigins := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowedOrigins[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Vary", "Origin")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", recorderlog.String("addr", s.httpServer.Addr))
		errc <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Shutdown(shutdownCtx)
	<-errc
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.events.Close()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}
