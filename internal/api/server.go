package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/bulkops/internal/batch"
	"github.com/foxzi/bulkops/internal/config"
	"github.com/foxzi/bulkops/internal/metrics"
	"github.com/foxzi/bulkops/internal/models"
)

// Jobs is the job engine as seen by the API
type Jobs interface {
	Submit(ctx context.Context, req batch.SubmitRequest) (*models.BatchJob, error)
	GetStatus(ctx context.Context, id string) (*batch.JobReport, error)
	List(ctx context.Context, filter models.JobListFilter) ([]models.BatchJob, int, error)
	Items(ctx context.Context, filter models.JobItemFilter) ([]models.BatchItem, int, error)
	Cancel(ctx context.Context, id string) (*models.BatchJob, error)
}

// Contacts is the read side of the contact directory
type Contacts interface {
	GetByID(ctx context.Context, id string) (*models.Contact, error)
	List(ctx context.Context, filter models.ContactFilter) ([]models.Contact, int, error)
}

// Templates stores message templates
type Templates interface {
	Create(ctx context.Context, t *models.Template) error
	GetByID(ctx context.Context, id string) (*models.Template, error)
	List(ctx context.Context, filter models.TemplateListFilter) ([]models.Template, int, error)
	Delete(ctx context.Context, id string) error
}

// Readiness reports whether the messaging transport can send
type Readiness interface {
	IsReady(ctx context.Context) bool
}

// Services groups the collaborators the API serves
type Services struct {
	Jobs      Jobs
	Contacts  Contacts
	Templates Templates
	Transport Readiness
	Version   string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	services   Services
	config     *config.ServerConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(services Services, cfg *config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		services:  services,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.With(s.limitBody).Post("/", s.handleSubmitJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Get("/{id}/items", s.handleJobItems)
			r.Post("/{id}/cancel", s.handleCancelJob)
		})

		r.Route("/contacts", func(r chi.Router) {
			r.Get("/", s.handleListContacts)
			r.Get("/{id}", s.handleGetContact)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.handleListTemplates)
			r.With(s.limitBody).Post("/", s.handleCreateTemplate)
			r.Get("/{id}", s.handleGetTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
		})
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
