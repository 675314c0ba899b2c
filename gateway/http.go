package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/streaming"
)

// Wire headers at the gateway edge.
const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderRequestID = "X-Request-ID"
)

// Server is the HTTP edge over a Gateway.
type Server struct {
	gateway *Gateway
	logger  core.Logger
	http    *http.Server
}

// NewServer builds the HTTP server and its routes.
func NewServer(g *Gateway) *Server {
	s := &Server{gateway: g, logger: g.logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/inference", s.handleInference)
	mux.HandleFunc("/v1/providers", s.handleProviders)
	mux.HandleFunc("/v1/requests/", s.handleCancel)
	mux.HandleFunc("/healthz", s.handleHealthz)

	var handler http.Handler = mux
	if g.cfg.Telemetry.Enabled {
		handler = otelhttp.NewHandler(mux, "fluxgate")
	}

	s.http = &http.Server{
		Addr:              g.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Gateway listening", map[string]interface{}{
		"operation": "http_serve",
		"addr":      s.http.Addr,
	})
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req core.InferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "", &core.GatewayError{
			Op:      "http.decode",
			Kind:    core.KindValidation,
			Message: fmt.Sprintf("malformed request body: %v", err),
			Err:     core.ErrValidation,
		})
		return
	}

	if req.RequestID == "" {
		req.RequestID = r.Header.Get(HeaderRequestID)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	tenantID := r.Header.Get(HeaderTenantID)

	if req.Streaming {
		s.serveStream(w, r, tenantID, &req)
		return
	}

	resp, err := s.gateway.Process(r.Context(), tenantID, &req)
	if err != nil {
		s.writeError(w, req.RequestID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// serveStream delivers chunks as server-sent events.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, tenantID string, req *core.InferenceRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, req.RequestID, &core.GatewayError{
			Op:      "http.stream",
			Kind:    core.KindInternal,
			Message: "response writer does not support streaming",
		})
		return
	}

	terminal := make(chan error, 1)
	stream, err := s.gateway.ProcessStream(r.Context(), tenantID, req, streaming.Callbacks{
		OnComplete: func(int) { terminal <- nil },
		OnError:    func(err error) { terminal <- err },
		OnCancel:   func(string) { terminal <- nil },
	})
	if err != nil {
		s.writeError(w, req.RequestID, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(HeaderRequestID, req.RequestID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range stream.Out() {
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if err := <-terminal; err != nil {
		ce := core.ToClientError(req.RequestID, err)
		if data, jsonErr := json.Marshal(ce); jsonErr == nil {
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type providerView struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Vendor  string `json:"vendor,omitempty"`
		Tier    string `json:"tier"`
		Health  string `json:"health"`
		Breaker string `json:"breaker,omitempty"`
	}
	breakers := s.gateway.BreakerStates()
	registry := s.gateway.Registry()
	var out []providerView
	for _, p := range registry.List() {
		d := p.Descriptor()
		out = append(out, providerView{
			ID:      d.ID,
			Name:    d.Name,
			Vendor:  d.Vendor,
			Tier:    string(d.Tier),
			Health:  string(registry.HealthOf(d.ID).Status),
			Breaker: breakers[d.ID],
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleCancel aborts an in-flight request: DELETE /v1/requests/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requestID := r.URL.Path[len("/v1/requests/"):]
	if requestID == "" {
		http.Error(w, "request id required", http.StatusBadRequest)
		return
	}
	if !s.gateway.Cancel(requestID) {
		http.Error(w, "request not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	// No eligible provider is an availability condition, not an upstream
	// failure; it reads as 503 regardless of the wrapping kind.
	if errors.Is(err, core.ErrNoCompatibleProvider) || errors.Is(err, core.ErrAllProvidersFailed) {
		return http.StatusServiceUnavailable
	}
	switch core.KindOf(err) {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindAuthorization:
		return http.StatusForbidden
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindQuotaExhausted, core.KindCircuitOpen, core.KindTransientProvider:
		return http.StatusServiceUnavailable
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	case core.KindCancelled:
		// Client went away; 499 in the nginx convention.
		return 499
	case core.KindPermanentProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, requestID string, err error) {
	status := statusFor(err)
	ce := core.ToClientError(requestID, err)
	if ce.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ce.RetryAfter))
	}
	if status >= http.StatusInternalServerError && !errors.Is(err, core.ErrAllProvidersFailed) {
		s.logger.Error("Request failed", map[string]interface{}{
			"operation": "http_error",
			"requestId": requestID,
			"status":    status,
			"error":     err.Error(),
		})
	}
	s.writeJSON(w, status, ce)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encoding failed", map[string]interface{}{
			"operation": "http_write",
			"error":     err.Error(),
		})
	}
}
