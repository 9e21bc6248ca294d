package http

import (
	"net/http"
	"time"

	"log/slog"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zapblast/zapblast/internal/http/handlers"
	ourMiddleware "github.com/zapblast/zapblast/internal/http/middleware"
	"github.com/zapblast/zapblast/internal/observability"
)

type RouterDeps struct {
	Logger          *slog.Logger
	Metrics         *observability.Metrics
	Registry        *prometheus.Registry
	SentryHandler   *sentryhttp.Handler
	CampaignHandler *handlers.CampaignHandler
	HealthHandler   *handlers.HealthHandler
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))
	if deps.Logger != nil {
		r.Use(ourMiddleware.RequestLogger(deps.Logger))
	}
	if deps.Metrics != nil {
		r.Use(ourMiddleware.PrometheusMiddleware(deps.Metrics))
	}
	if deps.SentryHandler != nil {
		r.Use(deps.SentryHandler.Handle)
	}

	r.Get("/healthz", deps.HealthHandler.Healthz)
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", deps.CampaignHandler.Create)
		r.Post("/recover", deps.CampaignHandler.Recover)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", deps.CampaignHandler.Status)
			r.Delete("/", deps.CampaignHandler.Cleanup)
			r.Post("/start", deps.CampaignHandler.Start)
			r.Post("/pause", deps.CampaignHandler.Pause)
			r.Post("/resume", deps.CampaignHandler.Resume)
			r.Post("/stop", deps.CampaignHandler.Stop)
			r.Post("/retry", deps.CampaignHandler.ForceRetry)
		})
	})

	return r
}
