// Package server exposes scans, audit logs and usage stats over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"secureflow/internal/audit"
	"secureflow/internal/detect"
	"secureflow/internal/otel"
	"secureflow/internal/scan"
)

const defaultTimeout = 60 * time.Second

type Server struct {
	router          *chi.Mux
	scanner         *scan.Service
	registry        *detect.Registry
	store           audit.Store
	sealer          *audit.Sealer
	apiKeys         map[string]string
	limiter         *RateLimiter
	maxBodyBytes    int64
	maxUploadBytes  int64
	uploadTextLimit int
	version         string
	startTime       time.Time
}

type Option func(*Server)

// WithAPIKeys sets the accepted keys, key -> subject. No keys disables auth.
func WithAPIKeys(keys map[string]string) Option {
	return func(s *Server) { s.apiKeys = keys }
}

// WithRateLimiter enables per-subject rate limiting.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithLimits sets the JSON body cap, the upload cap and how many bytes of
// extracted file text are analyzed.
func WithLimits(maxBody, maxUpload int64, uploadText int) Option {
	return func(s *Server) {
		if maxBody > 0 {
			s.maxBodyBytes = maxBody
		}
		if maxUpload > 0 {
			s.maxUploadBytes = maxUpload
		}
		if uploadText > 0 {
			s.uploadTextLimit = uploadText
		}
	}
}

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

func NewServer(scanner *scan.Service, opts ...Option) *Server {
	s := &Server{
		router:          chi.NewRouter(),
		scanner:         scanner,
		registry:        scanner.Pipeline().Registry(),
		store:           scanner.Store(),
		sealer:          scanner.Sealer(),
		maxBodyBytes:    1 << 20,
		maxUploadBytes:  5 << 20,
		uploadTextLimit: 20000,
		version:         "dev",
		startTime:       time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the chi router with middleware and routes attached.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.limiter))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/analyze", s.handleAnalyze)
		r.Post("/v1/upload", s.handleUpload)
		r.Get("/v1/logs", s.handleLogsList)
		r.Get("/v1/logs/{id}", s.handleLogGet)
		r.Get("/v1/stats", s.handleStats)
	})
	return r
}
