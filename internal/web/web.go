// Package web is the admin/API surface: manual job triggers, the stored
// events listing, health and metrics.
package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"towncal/internal/config"
	"towncal/internal/images"
	"towncal/internal/logging"
	"towncal/internal/model"
	"towncal/internal/store"
)

// IngestRunner triggers ingestion runs.
type IngestRunner interface {
	Run(ctx context.Context) (model.RunResult, error)
	RunSource(ctx context.Context, name string) (model.RunResult, error)
}

// BackfillJob and ExpiryJob trigger the image lifecycle jobs.
type BackfillJob interface {
	Run(ctx context.Context, now time.Time) (images.BackfillResult, error)
}

type ExpiryJob interface {
	Run(ctx context.Context, now time.Time) (images.ExpiryResult, error)
}

// Options wires the server's collaborators. AssetsDir, when non-empty,
// serves the disk-backed object store under /assets/.
type Options struct {
	Config    config.ServerConfig
	Store     *store.Store
	Runner    IngestRunner
	Backfill  BackfillJob
	Expiry    ExpiryJob
	AssetsDir string
}

type Server struct {
	opts   Options
	router chi.Router
}

func NewServer(opts Options) *Server {
	s := &Server{opts: opts, router: chi.NewRouter()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			r.Use(s.basicAuth)
		}
		r.Get("/api/events", s.handleEvents)
		r.Post("/api/ingest", s.handleIngest)
		r.Post("/api/backfill", s.handleBackfill)
		r.Post("/api/expiry", s.handleExpiry)
	})

	if s.opts.AssetsDir != "" {
		fs := http.StripPrefix("/assets/", http.FileServer(http.Dir(s.opts.AssetsDir)))
		s.router.Get("/assets/*", fs.ServeHTTP)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("listen", s.opts.Config.Listen).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) basicAuthEnabled() bool {
	ba := s.opts.Config.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	username := s.opts.Config.BasicAuth.Username
	password := s.opts.Config.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="towncal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents lists upcoming stored events, soonest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.opts.Store.Upcoming(r.Context(), time.Now(), limit)
	if err != nil {
		logging.Error().Err(err).Msg("list events failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

// handleIngest triggers an ingestion run, optionally for one source.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var (
		res model.RunResult
		err error
	)
	if name := r.URL.Query().Get("source"); name != "" {
		res, err = s.opts.Runner.RunSource(r.Context(), name)
	} else {
		res, err = s.opts.Runner.Run(r.Context())
	}
	if err != nil {
		logging.Error().Err(err).Msg("manual ingest failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Backfill.Run(r.Context(), time.Now())
	if err != nil {
		logging.Error().Err(err).Msg("manual backfill failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExpiry(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Expiry.Run(r.Context(), time.Now())
	if err != nil {
		logging.Error().Err(err).Msg("manual expiry failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("encode response failed")
	}
}
