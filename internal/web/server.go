// Package web provides the HTTP server and JSON API for dataset
// onboarding: structural analysis of uploads, promotion through the
// pipeline stages, audit history, and mapping configuration management.
package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openrates/geostage/internal/analysis"
	"github.com/openrates/geostage/internal/config"
	"github.com/openrates/geostage/internal/mapping"
	"github.com/openrates/geostage/internal/pipeline"
	"github.com/openrates/geostage/internal/web/middleware"
)

// PayloadStore persists raw upload payloads in object storage.
type PayloadStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Server is the HTTP server for the onboarding API.
type Server struct {
	cfg      *config.Config
	analyzer *analysis.Service
	pipe     *pipeline.Pipeline
	configs  mapping.ConfigStore
	payloads PayloadStore
	router   *chi.Mux
	server   *http.Server
}

// NewServer wires the server to its services.
func NewServer(cfg *config.Config, analyzer *analysis.Service, pipe *pipeline.Pipeline, configs mapping.ConfigStore, payloads PayloadStore) *Server {
	s := &Server{
		cfg:      cfg,
		analyzer: analyzer,
		pipe:     pipe,
		configs:  configs,
		payloads: payloads,
		router:   chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Compress(5))
	s.router.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
	s.router.Use(middleware.Metrics())
	s.router.Use(middleware.Actor)
	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled {
		limiter := newRateLimiter(s.cfg.Rate.RequestsPerMinute, time.Minute)
		s.router.Use(limiter.middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		// Structural analysis
		r.Post("/analyses", s.handleAnalyze)
		r.Get("/analyses/{analysisID}", s.handleGetAnalysis)

		// Promotion pipeline
		r.Post("/uploads", s.handleCreateUpload)
		r.Get("/uploads/{uploadID}", s.handleGetUpload)
		r.Post("/uploads/{uploadID}/approve", s.handleApprove)
		r.Post("/uploads/{uploadID}/reject", s.handleReject)
		r.Get("/uploads/{uploadID}/audit", s.handleAudit)
		r.Put("/uploads/{uploadID}/payload", s.handlePutPayload)
		r.Get("/uploads/{uploadID}/payload", s.handleGetPayload)
		// Dataset views and mapping configurations
		r.Get("/datasets/{datasetID}/uploads", s.handleDatasetUploads)
		r.Get("/datasets/{datasetID}/config", s.handleGetConfig)
		r.Put("/datasets/{datasetID}/config", s.handleSaveConfig)
		r.Get("/configs", s.handleListConfigs)

		// Dataset structures
		r.Post("/structures", s.handleSaveStructure)
		r.Get("/structures/{structureID}", s.handleGetStructure)
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// rateLimiter implements a simple token bucket rate limiter per IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

// newRateLimiter creates a rate limiter with the specified rate per window.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	go rl.cleanup()
	return rl
}

// cleanup removes stale visitor entries every minute.
func (rl *rateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastReset) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// allow checks whether the request may proceed and consumes a token if so.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: time.Now()}
		return true
	}
	if time.Since(v.lastReset) > rl.window {
		v.tokens = rl.rate - 1
		v.lastReset = time.Now()
		return true
	}
	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

// middleware returns an HTTP middleware that rate limits by IP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			ip = realIP
		}
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "60")
			respondJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded", Code: "RATE_LIMITED",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
