// Package server exposes the extraction pipeline, credential management and
// report export over a small local HTTP API.
package server

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zombor/dotscan/internal/credential"
	"github.com/zombor/dotscan/internal/pipeline"
	"github.com/zombor/dotscan/internal/report"
	"github.com/zombor/dotscan/internal/scanning"
)

// Analyzer runs a batch of images through the pipeline
type Analyzer interface {
	Analyze(ctx context.Context, images []pipeline.Image) (*scanning.AnalysisResult, error)
}

// CredentialManager reads and changes the API key
type CredentialManager interface {
	Resolve() (credential.Credential, error)
	Set(key string) error
	Clear() error
}

// CredentialEntry tracks whether the operator has to enter an API key before
// the next scan. The pipeline raises it; saving a key lowers it.
type CredentialEntry struct {
	required atomic.Bool
}

// RequestCredential puts the application into credential entry mode
func (c *CredentialEntry) RequestCredential() {
	c.required.Store(true)
}

// Required reports whether credential entry mode is on
func (c *CredentialEntry) Required() bool {
	return c.required.Load()
}

func (c *CredentialEntry) done() {
	c.required.Store(false)
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Config wires the server to its collaborators. Reports and Gatherer are optional.
type Config struct {
	Analyzer       Analyzer
	Credentials    CredentialManager
	Entry          *CredentialEntry
	Exporter       *report.Exporter
	Reports        report.Storage
	Gatherer       prometheus.Gatherer
	BasicAuth      BasicAuth
	MaxUploadBytes int64
}

const defaultMaxUploadBytes = 50 << 20

// Server handles HTTP requests for scans, credentials and reports
type Server struct {
	cfg        Config
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates a new Server with default mux
func NewServer(cfg Config) *Server {
	return NewServerWithMux(cfg, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(cfg Config, mux *http.ServeMux) *Server {
	if cfg.Entry == nil {
		cfg.Entry = &CredentialEntry{}
	}
	if cfg.Exporter == nil {
		cfg.Exporter = report.NewExporter(cfg.Reports)
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	s := &Server{
		cfg: cfg,
		mux: mux,
	}
	s.httpServer = &http.Server{
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	auth := s.cfg.BasicAuth
	if auth.Username == "" && auth.Password == "" {
		return true // No auth required if not configured
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == auth.Username && credentials[1] == auth.Password
}

// corsMiddleware adds CORS headers to responses and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="dotscan"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/credential", s.requireAuth(s.handleGetCredential))
	s.mux.HandleFunc("PUT /api/credential", s.requireAuth(s.handlePutCredential))
	s.mux.HandleFunc("DELETE /api/credential", s.requireAuth(s.handleDeleteCredential))

	s.mux.HandleFunc("POST /api/scan", s.requireAuth(s.handleScan))
	s.mux.HandleFunc("POST /api/export", s.requireAuth(s.handleExport))

	s.mux.HandleFunc("GET /api/reports/{name}", s.requireAuth(s.handleGetReport))
	s.mux.HandleFunc("GET /api/reports", s.requireAuth(s.handleListReports))

	if s.cfg.Gatherer != nil {
		metrics := promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})
		s.mux.HandleFunc("GET /metrics", s.requireAuth(metrics.ServeHTTP))
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	s.httpServer.Addr = addr
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones to finish
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}
