// Package server is the HTTP and WebSocket surface of the engine. It wires
// the production clients into the orchestrator and exposes the deployment,
// provisioning and bulk operations as a JSON API.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ablqvist/slipway/internal/app"
	"github.com/ablqvist/slipway/internal/bulk"
	"github.com/ablqvist/slipway/internal/clients"
	"github.com/ablqvist/slipway/internal/deploy"
	"github.com/ablqvist/slipway/internal/history"
	"github.com/ablqvist/slipway/internal/logging"
	"github.com/ablqvist/slipway/internal/provision"
	"github.com/ablqvist/slipway/internal/registry"
)

// Server is the HTTP + WebSocket API surface.
type Server struct {
	cfg          Config
	orchestrator *app.Orchestrator
	router       chi.Router
	upgrader     websocket.Upgrader
	logger       logging.Logger
	store        *registry.Registry

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	deployResults      *prometheus.CounterVec
}

// NewServer builds the full production wiring: storage, registry, log sink,
// external clients, orchestrator and routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.AppConfig == nil {
		cfg.AppConfig = app.DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdoutLogger("Server")
	}
	appCfg := cfg.AppConfig

	if err := os.MkdirAll(appCfg.StorageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}

	reg, err := registry.Open(filepath.Join(appCfg.StorageRoot, "registry.db"), appCfg.DefaultPort, logger)
	if err != nil {
		return nil, fmt.Errorf("creating registry: %w", err)
	}

	sink, err := history.NewSink(filepath.Join(appCfg.StorageRoot, "logs"), logger)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("creating log sink: %w", err)
	}

	runner := clients.NewRunner(logger)
	pipeline := deploy.NewPipeline(appCfg.DeployCfg,
		clients.NewGitClient(logger),
		clients.NewNPMBuilder(runner, logger),
		clients.NewPM2Client(runner, logger),
		reg, sink, logger)

	provisioner := provision.NewProvisioner(provisionConfig(appCfg),
		clients.NewCloudflareClient(appCfg.CloudflareToken, logger),
		clients.NewNamecheapClient(appCfg.NamecheapCfg, logger),
		clients.NewCertbotClient(appCfg.CertbotCfg, runner, logger),
		clients.NewNginxClient(appCfg.NginxCfg, runner, logger),
		reg, sink, logger)

	orch := app.NewOrchestrator(appCfg, reg, sink, pipeline, provisioner, logger)

	s := newServerWith(cfg, orch, logger)
	s.store = reg
	return s, nil
}

// provisionConfig derives the provisioner's configuration from the app
// config so the serving IP and the proxy-route fallback port stay in sync
// with the rest of the engine.
func provisionConfig(appCfg *app.Config) provision.Config {
	cfg := appCfg.ProvisionCfg
	cfg.ServerIP = appCfg.ServerIP
	cfg.DefaultPort = appCfg.DefaultPort
	return cfg
}

// NewServerWith wraps an already-constructed orchestrator. Used by tests to
// substitute in-memory collaborators for the production clients.
func NewServerWith(cfg Config, orch *app.Orchestrator, logger logging.Logger) *Server {
	return newServerWith(cfg, orch, logger)
}

func newServerWith(cfg Config, orch *app.Orchestrator, logger logging.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		orchestrator: orch,
		router:       chi.NewRouter(),
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.initMetrics()
	s.routes()
	return s
}

// Orchestrator returns the underlying orchestrator for advanced use (tests, etc.).
func (s *Server) Orchestrator() *app.Orchestrator { return s.orchestrator }

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)
	r.Use(s.metricsMiddleware)

	// CORS preflight
	r.Options("/sites", s.optionsHandler("GET"))
	r.Options("/sites/deploy", s.optionsHandler("POST"))
	r.Options("/sites/import", s.optionsHandler("POST"))
	r.Options("/sites/export", s.optionsHandler("GET"))
	r.Options("/sites/{domain}", s.optionsHandler("GET"))
	r.Options("/sites/{domain}/domain", s.optionsHandler("POST"))
	r.Options("/sites/{domain}/dns", s.optionsHandler("POST"))
	r.Options("/bulk/start", s.optionsHandler("POST"))
	r.Options("/bulk/stop", s.optionsHandler("POST"))
	r.Options("/bulk/status", s.optionsHandler("GET"))
	r.Options("/bulk/{batchID}/progress", s.optionsHandler("GET"))
	r.Options("/bulk/{batchID}/logs", s.optionsHandler("GET"))

	// Sites
	r.Post("/sites/deploy", s.handleDeploySite)
	r.Get("/sites", s.handleListSites)
	r.Post("/sites/import", s.handleImportSites)
	r.Get("/sites/export", s.handleListSites)
	r.Get("/sites/{domain}", s.handleGetSite)

	// Domain provisioning
	r.Post("/sites/{domain}/domain", s.handleSetupDomain)
	r.Post("/sites/{domain}/dns", s.handleUpdateDNS)

	// Bulk deployment
	r.Post("/bulk/start", s.handleBulkStart)
	r.Post("/bulk/stop", s.handleBulkStop)
	r.Get("/bulk/status", s.handleBulkStatus)
	r.Get("/bulk/{batchID}/progress", s.handleBulkProgress)
	r.Get("/bulk/{batchID}/logs", s.handleBulkLogs)

	// WebSocket live log tail
	r.Get("/ws/bulk/{batchID}/logs", s.handleBulkLogsWS)

	// Observability
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}

	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}

	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
		if bodyBytes, err := io.ReadAll(r.Body); err == nil {
			fields = append(fields, logging.Field{Key: "body", Value: string(bodyBytes)})
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	s.logger.Info("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// Close shuts down the orchestrator and underlying resources.
func (s *Server) Close() {
	if s.orchestrator != nil {
		s.orchestrator.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- HTTP handlers ---

// Sites

func (s *Server) handleDeploySite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Domain  string `json:"domain"`
		RepoURL string `json:"repo_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res, err := s.orchestrator.DeploySite(r.Context(), body.Domain, body.RepoURL)
	if err != nil {
		s.logger.Warn("deploy request rejected", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.recordDeployResult(res.Status)
	if res.Status != "success" {
		writeJSON(w, http.StatusBadGateway, res)
		return
	}
	s.logger.Info("deployed site",
		logging.Field{Key: "domain", Value: body.Domain},
		logging.Field{Key: "port", Value: res.Port})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")

	sites, err := s.orchestrator.ExportSites(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": sites, "count": len(sites)})
}

func (s *Server) handleImportSites(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Sites []app.SiteImport `json:"sites"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(body.Sites) == 0 {
		writeError(w, http.StatusBadRequest, "no sites given")
		return
	}

	res, err := s.orchestrator.ImportSites(r.Context(), body.Sites)
	if err != nil {
		s.logger.Warn("importing sites", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetSite(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")

	st, err := s.orchestrator.GetSiteStatus(r.Context(), domain)
	if err != nil {
		if errors.Is(err, registry.ErrSiteNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Domain provisioning

func (s *Server) handleSetupDomain(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")

	var body struct {
		SiteID string `json:"site_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	msg, err := s.orchestrator.SetupDomain(r.Context(), domain, body.SiteID)
	if err != nil {
		s.logger.Warn("domain setup failed",
			logging.Field{Key: "domain", Value: domain},
			logging.Field{Key: "error", Value: err.Error()})
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (s *Server) handleUpdateDNS(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")

	msg, err := s.orchestrator.UpdateDomainDNSSSL(r.Context(), domain)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

// Bulk deployment

func (s *Server) handleBulkStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SiteIDs      []string `json:"site_ids"`
		DoLocal      *bool    `json:"do_local"`
		DoDomain     bool     `json:"do_domain"`
		StatusFilter string   `json:"status_filter"`
		Concurrency  int      `json:"concurrency"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	doLocal := true
	if body.DoLocal != nil {
		doLocal = *body.DoLocal
	}

	batchID, err := s.orchestrator.StartBulkDeploy(r.Context(), bulk.Options{
		SiteIDs:      body.SiteIDs,
		DoLocal:      doLocal,
		DoDomain:     body.DoDomain,
		StatusFilter: body.StatusFilter,
		Concurrency:  body.Concurrency,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, bulk.ErrBatchActive) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	s.logger.Info("bulk deployment started", logging.Field{Key: "batch_id", Value: batchID})
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID})
}

func (s *Server) handleBulkStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.orchestrator.StopBulkDeploy()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.GetBulkStatus())
}

func (s *Server) handleBulkProgress(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	p, err := s.orchestrator.GetBulkProgress(batchID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleBulkLogs(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	lines, err := s.orchestrator.GetBulkLogs(batchID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "logs": lines})
}

// handleBulkLogsWS streams a batch's log entries over a websocket: the
// recorded history first, then live entries until the batch finishes or the
// client goes away.
func (s *Server) handleBulkLogsWS(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	// Snapshot before subscribing: an entry appended between the two lands
	// in at most one of them, so nothing is delivered twice.
	lines, err := s.orchestrator.GetBulkLogs(batchID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	entries, cancelSub, err := s.orchestrator.SubscribeBulkLogs(batchID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	defer cancelSub()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	for _, line := range lines {
		if err := conn.WriteJSON(map[string]string{"line": line}); err != nil {
			return
		}
	}

	// Close the subscription once the batch drains so the loop below ends.
	go func() {
		if err := s.orchestrator.WaitBulk(batchID); err == nil {
			cancelSub()
		}
	}()

	for e := range entries {
		if err := conn.WriteJSON(map[string]string{"line": e.Format()}); err != nil {
			return
		}
	}
	_ = conn.WriteJSON(map[string]string{"event": "end"})
}
