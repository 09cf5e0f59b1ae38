// Package server implements the Honeydew HTTP server and route table.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/honeydew/honeydew/internal/config"
	"github.com/honeydew/honeydew/internal/download"
	"github.com/honeydew/honeydew/internal/handlers"
	"github.com/honeydew/honeydew/internal/ledger"
	"github.com/honeydew/honeydew/internal/storage"
	"github.com/honeydew/honeydew/internal/upload"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthCheckTimeout bounds each dependency probe of /health and /readyz.
const healthCheckTimeout = 5 * time.Second

// Server is the Honeydew HTTP server. It serves the upload API, the raw and
// download routes, and the operational endpoints.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	ledger     ledger.Ledger
	backend    storage.Backend
	uploads    *handlers.UploadHandler
	downloads  *handlers.DownloadHandler
	httpServer *http.Server
}

// HealthCheck is the result of probing one dependency.
type HealthCheck struct {
	Status    string `json:"status" example:"ok" doc:"ok or error"`
	LatencyMs int64  `json:"latency_ms" doc:"Probe latency in milliseconds"`
	Error     string `json:"error,omitempty"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]HealthCheck `json:"checks,omitempty" doc:"Per-dependency results"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// New creates a Server serving uploads through engine, with l as the ledger
// behind both the engine and the download routes.
func New(cfg *config.Config, engine *upload.Engine, l ledger.Ledger) (*Server, error) {
	router := chi.NewMux()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	if len(cfg.Server.CORSOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{"GET", "HEAD", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Upload-Length", "Upload-Offset", "Upload-Metadata", "Tus-Resumable", handlers.RequestIDHeader},
			ExposedHeaders: []string{"Location", "Upload-Offset", "Upload-Length", "Tus-Resumable", "Tus-Version", "Tus-Extension", "Tus-Max-Size", handlers.RequestIDHeader},
			MaxAge:         300,
		}))
	}

	humaConfig := huma.DefaultConfig("Honeydew Upload API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	backend := engine.Backend()
	s := &Server{
		cfg:       cfg,
		router:    router,
		api:       api,
		ledger:    l,
		backend:   backend,
		uploads:   handlers.NewUploadHandler(engine, cfg.Server.MaxUploadSize, cfg.Server.PublicURL),
		downloads: handlers.NewDownloadHandler(download.New(l, backend)),
	}

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// otelhttp -> metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return tracingMiddleware(handler)
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /docs, /openapi.json, the upload view) are
// documented in the OpenAPI document; streaming routes are plain Chi handlers.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the Honeydew server and, when enabled, of its ledger and storage backend.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		if !s.cfg.Observability.HealthCheck {
			return &HealthOutput{Status: http.StatusOK, Body: HealthBody{Status: "ok"}}, nil
		}
		checks, healthy := s.runChecks(ctx)
		out := &HealthOutput{Status: http.StatusOK, Body: HealthBody{Status: "ok", Checks: checks}}
		if !healthy {
			out.Status = http.StatusServiceUnavailable
			out.Body.Status = "degraded"
		}
		return out, nil
	})

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Observability.HealthCheck {
		s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if _, healthy := s.runChecks(r.Context()); !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "get-upload",
		Method:      http.MethodGet,
		Path:        "/api/uploads/{id}",
		Summary:     "Describe an upload",
		Description: "Returns the ledger record of an upload, including how many bytes have been committed.",
		Tags:        []string{"Uploads"},
	}, s.uploads.GetUpload)

	s.router.Options("/api/uploads", s.uploads.Options)
	s.router.Post("/api/uploads", s.uploads.Create)
	s.router.Head("/api/uploads/{id}", s.uploads.Head)
	s.router.Patch("/api/uploads/{id}", s.uploads.Patch)
	s.router.Delete("/api/uploads/{id}", s.uploads.Delete)
	s.router.Post("/api/upload", s.uploads.SimpleUpload)

	s.router.Get("/{id}/raw", s.downloads.Raw)
	s.router.Head("/{id}/raw", s.downloads.Raw)
	s.router.Get("/{id}/download", s.downloads.Download)
	s.router.Head("/{id}/download", s.downloads.Download)
}

// runChecks probes the ledger and the storage backend.
func (s *Server) runChecks(ctx context.Context) (map[string]HealthCheck, bool) {
	checks := map[string]HealthCheck{
		"ledger":  probe(ctx, s.ledger.Ping),
		"storage": probe(ctx, s.backend.HealthCheck),
	}
	for _, c := range checks {
		if c.Status != "ok" {
			return checks, false
		}
	}
	return checks, true
}

func probe(ctx context.Context, check func(context.Context) error) HealthCheck {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	hc := HealthCheck{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		hc.Status = "error"
		hc.Error = err.Error()
	}
	return hc
}
