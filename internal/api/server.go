package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/selenite/internal/config"
	"github.com/snarg/selenite/internal/database"
	"github.com/snarg/selenite/internal/events"
	"github.com/snarg/selenite/internal/metrics"
	"github.com/snarg/selenite/internal/registry"
	"github.com/snarg/selenite/internal/settings"
	"github.com/snarg/selenite/internal/storage"
)

// Deps collects the wired components the HTTP surface sits on.
type Deps struct {
	DB       *database.DB
	Files    *storage.FileStore
	Sched    JobScheduler
	Registry *registry.Registry
	Avail    Availability
	Picker   ModelPicker
	Settings *settings.Gateway
	Bus      *events.Bus
	Version  string
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	startTime := time.Now()

	jobs := NewJobsHandler(deps.DB, deps.Files, deps.Sched, deps.Picker, log)
	transcripts := NewTranscriptsHandler(deps.DB, deps.Files, log)
	models := NewModelsHandler(deps.Registry, deps.Avail, log)
	settingsH := NewSettingsHandler(deps.Settings, log)
	eventsH := NewEventsHandler(deps.Bus, log)
	health := NewHealthHandler(deps.DB, deps.Sched, deps.Version, startTime)

	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	// Unauthenticated surface
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Post("/", jobs.Create)
			r.Get("/", jobs.List)
			r.Get("/{id}", jobs.Get)
			r.Patch("/{id}", jobs.Rename)
			r.Delete("/{id}", jobs.Delete)
			r.Post("/{id}/cancel", jobs.Cancel)
			r.Post("/{id}/pause", jobs.Pause)
			r.Post("/{id}/resume", jobs.Resume)
			r.Post("/{id}/restart", jobs.Restart)
			r.Get("/{id}/transcript", transcripts.Get)
			r.Post("/{id}/speakers/rename", transcripts.RenameSpeaker)
		})

		r.Route("/api/v1/models", func(r chi.Router) {
			r.Get("/", models.List)
			r.Post("/", models.CreateSet)
			r.Patch("/{id}", models.UpdateSet)
			r.Post("/{id}/weights", models.CreateWeight)
		})
		r.Patch("/api/v1/weights/{id}", models.UpdateWeight)

		r.Get("/api/v1/availability", models.Report)
		r.Post("/api/v1/availability/refresh", models.RefreshReport)

		r.Get("/api/v1/settings", settingsH.Get)
		r.Put("/api/v1/settings", settingsH.Update)

		r.Get("/api/v1/events", eventsH.ServeHTTP)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
