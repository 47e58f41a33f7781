// Package server provides the HTTP API, middleware and handlers for PrivyPress.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/privypress/internal/jobs"
	"github.com/dativo-io/privypress/internal/otel"
)

const defaultTimeout = 60 * time.Second

// Server holds the dependencies of the HTTP API.
type Server struct {
	router         *chi.Mux
	pipeline       *jobs.Pipeline
	store          jobs.Store
	rules          jobs.RuleSource
	defaultProfile string
	maxUpload      int64
	apiKeys        []string
	limiter        *RateLimiter
	corsOrigins    []string
	version        string
	startTime      time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithAPIKeys requires one of keys on every /upload and /jobs request.
// No keys leaves the API open.
func WithAPIKeys(keys []string) Option {
	return func(s *Server) { s.apiKeys = keys }
}

// WithUploadRateLimit limits uploads per client to rpm requests per minute.
// Zero disables the limit.
func WithUploadRateLimit(rpm int) Option {
	return func(s *Server) {
		if rpm > 0 {
			s.limiter = NewRateLimiter(rpm*10, rpm)
		} else {
			s.limiter = nil
		}
	}
}

// WithMaxUploadBytes sets the largest accepted file.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithDefaultProfile sets the profile used when an upload names none.
func WithDefaultProfile(p string) Option {
	return func(s *Server) { s.defaultProfile = p }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithVersion is reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds a Server around a pipeline and the store it writes to.
func NewServer(pipeline *jobs.Pipeline, store jobs.Store, rules jobs.RuleSource, opts ...Option) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		pipeline:       pipeline,
		store:          store,
		rules:          rules,
		defaultProfile: "strict",
		maxUpload:      20 << 20,
		corsOrigins:    []string{"*"},
		startTime:      time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.RequestMiddleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleIndex)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(middleware.Timeout(defaultTimeout))

		r.With(RateLimitMiddleware(s.limiter)).Post("/upload", s.handleUpload)
		r.Get("/jobs", s.handleJobsList)
		r.Get("/jobs/{id}", s.handleJobGet)
		r.Get("/jobs/{id}/pdf", s.handleJobPDF)
	})

	return r
}
