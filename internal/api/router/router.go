package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/axiestudio/voicebridge/internal/http/handlers"
	httpmiddleware "github.com/axiestudio/voicebridge/internal/http/middleware"
	"github.com/axiestudio/voicebridge/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	CallHandler    *handlers.CallHandler
	MetricsHandler http.Handler
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.CallHandler != nil {
		r.Route("/api/call", func(r chi.Router) {
			r.Post("/", cfg.CallHandler.StartCall)
			r.Delete("/", cfg.CallHandler.EndCall)
			r.Get("/status", cfg.CallHandler.CallStatus)
		})
	}

	return r
}
