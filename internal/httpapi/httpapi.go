// Package httpapi is the HTTP frontend external collaborator: it parses
// method/path/query/headers/JSON body, drives C5 admission and C6
// forwarding, and maps the gwerrors sum type to HTTP responses at the one
// boundary where that mapping happens (§9). Routing is built on
// pkg/routing's NormalizedServeMux, logging every path normalization, and
// pkg/middleware's CorsMiddleware driven by internal/config's
// AllowedOrigins rather than reading an env var of its own.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/TKontu/vllm-gateway/internal/admission"
	"github.com/TKontu/vllm-gateway/internal/gwerrors"
	"github.com/TKontu/vllm-gateway/internal/logging"
	"github.com/TKontu/vllm-gateway/internal/proxy"
	"github.com/TKontu/vllm-gateway/pkg/middleware"
	"github.com/TKontu/vllm-gateway/pkg/routing"
)

// Server wires the three HTTP surfaces in §6 onto a NormalizedServeMux.
type Server struct {
	controller     *admission.Controller
	forwarder      *proxy.Forwarder
	log            logging.Logger
	mux            *routing.NormalizedServeMux
	allowedOrigins []string
}

func NewServer(controller *admission.Controller, forwarder *proxy.Forwarder, log logging.Logger) *Server {
	s := &Server{
		controller:     controller,
		forwarder:      forwarder,
		log:            log,
		mux:            routing.NewNormalizedServeMux(log.WithField("component", "routing")),
		allowedOrigins: controller.AllowedOrigins(),
	}
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	s.mux.HandleFunc("GET /gateway/status", s.handleStatus)
	s.mux.HandleFunc("/", s.handleProxy)
	return s
}

// Handler returns the root http.Handler, wrapped with CORS the way the
// teacher wraps its own router in main.go.
func (s *Server) Handler() http.Handler {
	return middleware.CorsMiddleware(s.allowedOrigins, s.mux)
}

// handleModels implements `GET /v1/models` (§6).
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	data := make([]modelEntry, 0)
	for _, alias := range s.controller.Aliases() {
		data = append(data, modelEntry{ID: alias, Object: "model"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "object": "list"})
}

// handleStatus implements `GET /gateway/status` (§6).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

// handleProxy implements the catch-all proxy path (§6): requires a JSON
// body with a "model" key; missing/unparseable body -> 400; unknown alias
// -> 400; otherwise admits and forwards.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or unparseable JSON body"})
		return
	}

	alias, _ := body["model"].(string)
	if alias == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model field is required"})
		return
	}

	canonical, err := s.controller.Resolve(alias)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	inst, err := s.controller.Admit(r.Context(), canonical)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	s.controller.Touch(inst.SlotIndex)
	s.forwarder.Forward(w, r, inst, body, canonical)
}

func writeGatewayError(w http.ResponseWriter, err error) {
	var clientErr *gwerrors.ClientError
	var orchErr *gwerrors.OrchestrationError
	var upstreamErr *gwerrors.UpstreamError
	var transportErr *gwerrors.TransportError

	switch {
	case errors.As(err, &clientErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": clientErr.Error()})
	case errors.As(err, &orchErr):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": orchErr.Error()})
	case errors.As(err, &upstreamErr):
		writeJSON(w, upstreamErr.Status, map[string]string{"error": upstreamErr.Error()})
	case errors.As(err, &transportErr):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": transportErr.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
