package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/registry"
	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// DefaultRequestTimeout bounds a request when Config.RequestTimeout is unset.
const DefaultRequestTimeout = 60 * time.Second

// Registry is the job registry the handlers delegate to.
type Registry interface {
	Create(ctx context.Context, userID, targetURL string) (scrape.Job, error)
	List(ctx context.Context, userID string) ([]scrape.Job, error)
	Get(ctx context.Context, userID string, hash scrape.JobHash) (registry.Details, error)
	Delete(ctx context.Context, userID string, hash scrape.JobHash) error
	Synchronous() bool
}

// ReadinessCheck reports whether a downstream dependency can serve traffic.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config controls server behavior.
type Config struct {
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the job registry.
type Server struct {
	router   chi.Router
	registry Registry
	auth     scrape.Authenticator
	checks   []ReadinessCheck
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	reg Registry,
	auth scrape.Authenticator,
	checks []ReadinessCheck,
	cfg Config,
	logger *zap.Logger,
) (*Server, error) {
	if reg == nil || auth == nil {
		return nil, errors.New("registry and authenticator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	s := &Server{
		registry: reg,
		auth:     auth,
		checks:   checks,
		validate: validator.New(),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Get("/{hash}", s.getJob)
			r.Delete("/{hash}", s.deleteJob)
		})

		r.Route("/api/scrape", func(r chi.Router) {
			r.Post("/start", s.createJob)
			r.Get("/history", s.listJobs)
			r.Get("/job/{hash}", s.getJob)
			r.Delete("/bot/{hash}", s.deleteJob)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failing := make(map[string]string)
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			failing[c.Name] = "unavailable"
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
