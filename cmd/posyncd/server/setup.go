// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/mobiletoly/go-posync/internal/config"
	"github.com/mobiletoly/go-posync/internal/telemetry"
	"github.com/mobiletoly/go-posync/localstore"
	"github.com/mobiletoly/go-posync/netmon"
	"github.com/mobiletoly/go-posync/offline"
	"github.com/mobiletoly/go-posync/posapi"
)

// ServerComponents holds the initialized agent components
type ServerComponents struct {
	Store    *localstore.Store
	Service  *offline.Service
	Monitor  *netmon.Monitor
	Platform *netmon.ManualPlatform
	Metrics  *telemetry.Metrics
	Handler  http.Handler
	Logger   *slog.Logger
}

// TestServer represents a running test server instance
type TestServer struct {
	*ServerComponents
	HTTPServer *httptest.Server
}

// SetupServer opens the local store, initializes the offline service and
// builds the HTTP handler. This is the shared logic used by both main() and tests
func SetupServer(ctx context.Context, cfg *config.Config) (*ServerComponents, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	storeCfg := localstore.DefaultConfig(cfg.DatabasePath, offline.SchemaVersion, offline.Collections())
	storeCfg.Driver = cfg.Driver
	storeCfg.BusyTimeout = cfg.BusyTimeout
	storeCfg.Logger = logger
	store, err := localstore.New(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create local store: %w", err)
	}

	metrics, err := telemetry.New("github.com/mobiletoly/go-posync")
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	token := cfg.APIToken
	api := posapi.NewClient(cfg.APIBaseURL, func(context.Context) (string, error) { return token, nil }, logger)

	platform := netmon.NewManualPlatform()
	monCfg := netmon.DefaultConfig()
	monCfg.Interval = cfg.ProbeInterval
	monCfg.Logger = logger
	var prober netmon.Prober = netmon.ProberFunc(api.Reachable)
	if cfg.ProbeURL != "" {
		prober = netmon.NewHTTPProber(cfg.ProbeURL)
	}
	monitor := netmon.New(prober, platform, monCfg)

	svc := offline.New(store, api, monitor, offline.Options{
		Logger:         logger,
		Recorder:       metrics,
		GlobalFallback: cfg.GlobalFallback,
		MaxAge:         cfg.MaxAge,
	})
	if err := svc.Initialize(ctx); err != nil {
		_ = metrics.Shutdown(context.Background())
		_ = store.Close()
		return nil, err
	}

	sc := &ServerComponents{
		Store:    store,
		Service:  svc,
		Monitor:  monitor,
		Platform: platform,
		Metrics:  metrics,
		Logger:   logger,
	}
	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	sc.Handler = c.Handler(LoggingMiddleware(sc.routes(), logger))
	return sc, nil
}

func (sc *ServerComponents) routes() *mux.Router {
	h := &handlers{svc: sc.Service, platform: sc.Platform, monitor: sc.Monitor, logger: sc.Logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", sc.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/sync", h.sync).Methods(http.MethodPost)
	r.HandleFunc("/orders", h.placeOrder).Methods(http.MethodPost)
	r.HandleFunc("/pending", h.pending).Methods(http.MethodGet)
	r.HandleFunc("/pending/{id:[0-9]+}/requeue", h.requeue).Methods(http.MethodPost)
	r.HandleFunc("/products", h.products).Methods(http.MethodGet)
	r.HandleFunc("/downloads/{kind}", h.download).Methods(http.MethodPost)
	r.HandleFunc("/cache", h.clearCache).Methods(http.MethodDelete)
	r.HandleFunc("/connectivity", h.connectivity).Methods(http.MethodPost)
	return r
}

// Close stops background work and releases the database
func (sc *ServerComponents) Close() {
	if sc.Service != nil {
		sc.Service.Cleanup()
	}
	if sc.Metrics != nil {
		_ = sc.Metrics.Shutdown(context.Background())
	}
	if sc.Store != nil {
		_ = sc.Store.Close()
	}
}

// NewTestServer creates a new test server instance using the shared server setup
func NewTestServer(cfg *config.Config) (*TestServer, error) {
	components, err := SetupServer(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &TestServer{
		ServerComponents: components,
		HTTPServer:       httptest.NewServer(components.Handler),
	}, nil
}

// Close shuts down the test server and cleans up resources
func (ts *TestServer) Close() {
	if ts.HTTPServer != nil {
		ts.HTTPServer.Close()
	}
	ts.ServerComponents.Close()
}

// URL returns the base URL of the test server
func (ts *TestServer) URL() string {
	return ts.HTTPServer.URL
}

// LoggingMiddleware logs every request with its status and duration
func LoggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		level := slog.LevelDebug
		if wrapped.statusCode >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start).String(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HandleHealth provides a simple health check endpoint
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "healthy", "service": "posyncd"}`))
}
