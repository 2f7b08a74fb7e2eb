package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"esb-runtime/internal/event"
	"esb-runtime/internal/flow"
	"esb-runtime/internal/monitoring"
	"esb-runtime/internal/runtime"
	"esb-runtime/pkg/logger"
)

// VarRequestID is the event variable carrying the id of the HTTP request an
// event was submitted with.
const VarRequestID = "request_id"

type Server struct {
	Flows    *flow.Registry
	Runtime  *runtime.Runtime
	Tracker  *monitoring.Tracker
	Gatherer prometheus.Gatherer
}

// EventRequest is the body of an event submission.
type EventRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Variables map[string]any  `json:"variables,omitempty"`
}

// EventResponse describes the outcome of a submission. Empty is set when
// the flow ended the request without a result.
type EventResponse struct {
	ID        string          `json:"id,omitempty"`
	ContextID string          `json:"context_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Variables map[string]any  `json:"variables,omitempty"`
	Empty     bool            `json:"empty,omitempty"`
	Error     string          `json:"error,omitempty"`
	Kind      string          `json:"kind,omitempty"`
}

func NewServer(flows *flow.Registry, rt *runtime.Runtime, tracker *monitoring.Tracker, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{Flows: flows, Runtime: rt, Tracker: tracker, Gatherer: gatherer}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Wrap all handlers with request ID middleware
	mux.Handle("/flows/{name}/events", RequestIDMiddleware(http.HandlerFunc(s.handleEvent)))
	mux.Handle("/flows", RequestIDMiddleware(http.HandlerFunc(s.handleFlows)))
	mux.Handle("/health", RequestIDMiddleware(http.HandlerFunc(s.handleHealth)))
	mux.Handle("/stats", RequestIDMiddleware(http.HandlerFunc(s.handleStats)))
	mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rid := GetRequestID(r.Context())
	log := logger.Get().With("request_id", rid)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		log.Warnw("request rejected", "method", r.Method, "path", r.URL.Path, "status", http.StatusMethodNotAllowed)
		return
	}

	f, err := s.Flows.Get(r.PathValue("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		log.Warnw("unknown flow", "path", r.URL.Path, "status", http.StatusNotFound)
		return
	}

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		log.Warnw("invalid JSON body", "error", err, "status", http.StatusBadRequest)
		return
	}

	ev := f.NewEvent(decodePayload(req.Payload), requestVariables(r.Context(), req.Variables))
	res, err := f.Process(r.Context(), ev)
	resp := EventResponse{ContextID: ev.Context().ID()}
	status := http.StatusOK
	switch {
	case err != nil:
		status = statusFor(err)
		resp.Error = err.Error()
		resp.Kind = event.KindOf(err).String()
	case res == nil:
		resp.Empty = true
	default:
		resp.ID = res.ID()
		resp.Variables = res.Variables()
		resp.Payload, err = encodePayload(res.Payload())
		if err != nil {
			status = http.StatusInternalServerError
			resp.Error = err.Error()
		}
	}

	writeJSON(w, status, resp)
	log.Infow("request completed",
		"flow", f.Name(),
		"event_id", ev.ID(),
		"context_id", resp.ContextID,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"flows": s.Flows.Names()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rid := GetRequestID(r.Context())
	log := logger.Get().With("request_id", rid)

	healthy := s.Runtime != nil && s.Runtime.Running()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"healthy": healthy})

	log.Debugw("health check", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "healthy", healthy)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var stats monitoring.Stats
	if s.Tracker != nil {
		stats = s.Tracker.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// statusFor maps the kind of a request failure to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch event.KindOf(err) {
	case event.KindCapacity, event.KindLifecycle:
		return http.StatusServiceUnavailable
	case event.KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func decodePayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return []byte(raw)
	}
	return v
}

func encodePayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case []byte:
		if json.Valid(v) {
			return v, nil
		}
		return json.Marshal(string(v))
	default:
		return json.Marshal(v)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
