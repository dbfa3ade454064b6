// Package httpapi отдаёт HTTP-поверхность сервиса: вебхук платёжного провайдера,
// пробы здоровья и метрики Prometheus.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/health"
)

const defaultTimeout = 30 * time.Second

type routerConfig struct {
	logger   *log.Entry
	health   *health.Handler
	gatherer prometheus.Gatherer
	webhook  *WebhookHandler
	timeout  time.Duration
}

// Option настраивает роутер.
type Option func(*routerConfig)

func WithLogger(logger *log.Entry) Option {
	return func(cfg *routerConfig) { cfg.logger = logger }
}

func WithHealth(h *health.Handler) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithGatherer задаёт реестр для /metrics. По умолчанию prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(cfg *routerConfig) { cfg.gatherer = g }
}

func WithWebhook(h *WebhookHandler) Option {
	return func(cfg *routerConfig) { cfg.webhook = h }
}

func WithTimeout(timeout time.Duration) Option {
	return func(cfg *routerConfig) { cfg.timeout = timeout }
}

// NewRouter собирает chi-роутер с общими middleware.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		gatherer: prometheus.DefaultGatherer,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "http")
	}
	if cfg.health == nil {
		cfg.health = health.NewHandler("")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.timeout))

	r.Handle("/healthz", cfg.health)
	r.Get("/livez", health.LivenessHandler)
	r.Get("/readyz", cfg.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{}))

	if cfg.webhook != nil {
		r.Route("/webhooks", cfg.webhook.Routes)
	}
	return r
}

func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			// пробы и скрейп метрик шумят
			if r.URL.Path == "/metrics" || r.URL.Path == "/livez" || r.URL.Path == "/readyz" {
				entry.Debug("request")
				return
			}
			entry.Info("request")
		})
	}
}
