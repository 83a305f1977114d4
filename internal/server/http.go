package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShoosGun/SNet/internal/config"
	"github.com/ShoosGun/SNet/internal/metrics"
)

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	snet    *Server
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, snet *Server, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		snet:      snet,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Client monitoring endpoints
	mux.HandleFunc("/clients", h.withMetrics("/clients", h.handleClients))
	mux.HandleFunc("/clients/", h.withMetrics("/clients/{id}", h.handleClientDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Capture the status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.snet.Statistics()

	status := "healthy"
	listenerStatus := "running"
	if !stats.Listening {
		status = "degraded"
		listenerStatus = "stopped"
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "snet",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"listener": map[string]interface{}{
				"status":             listenerStatus,
				"address":            stats.Address,
				"datagrams_received": stats.DatagramsReceived,
				"parse_errors":       stats.ParseErrors,
			},
			"clients": map[string]interface{}{
				"connected": stats.ConnectedClients,
				"pending":   stats.PendingClients,
			},
			"receive_queue": map[string]interface{}{
				"length":         stats.QueueLength,
				"skipped_drains": stats.SkippedDrains,
			},
		},
	}

	writeJSON(w, health)
}

// handleClients implements the /clients endpoint
func (h *HTTPServer) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clients := h.snet.Clients()

	response := map[string]interface{}{
		"total_clients": len(clients),
		"timestamp":     time.Now().UTC(),
		"clients":       clients,
	}

	writeJSON(w, response)
}

// handleClientDetail implements the /clients/{id} endpoint
func (h *HTTPServer) handleClientDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientID := strings.TrimPrefix(r.URL.Path, "/clients/")
	if clientID == "" || strings.Contains(clientID, "/") {
		http.Error(w, "Invalid client ID", http.StatusBadRequest)
		return
	}

	info, ok := h.snet.Client(clientID)
	if !ok {
		http.Error(w, "Client not found", http.StatusNotFound)
		return
	}

	writeJSON(w, info)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := map[string]interface{}{
		"server": map[string]interface{}{
			"udp_port":          h.config.Server.UDPPort,
			"bind_address":      h.config.Server.BindAddress,
			"allow_any_address": h.config.Server.AllowAnyAddress,
			"max_clients":       h.config.Server.MaxClients,
			"tick_rate":         h.config.Server.TickRate,
			"queue_lock_wait":   h.config.Server.QueueLockWait,
		},
		"transport": map[string]interface{}{
			"sweep_interval":     h.config.Transport.SweepInterval,
			"connection_timeout": h.config.Transport.ConnectionTimeout,
			"handshake_timeout":  h.config.Transport.HandshakeTimeout,
			"max_datagram_size":  h.config.Transport.MaxDatagramSize,
			"read_buffer_size":   h.config.Transport.ReadBufferSize,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, cfg)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"server":    h.snet.Statistics(),
	}

	writeJSON(w, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "SNet UDP server",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":             "API documentation",
			"GET /health":       "Service health check",
			"GET /clients":      "List all known clients",
			"GET /clients/{id}": "Get detailed client information",
			"GET /config":       "Get service configuration",
			"GET /stats":        "Get listener and queue statistics",
			"GET /metrics":      "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, apiDoc)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
