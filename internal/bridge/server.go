package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type ServerConfig struct {
	MaxBodyBytes int64
}

// Server exposes the hub and a one-shot HTTP call path.
type Server struct {
	hub     *Hub
	handler Handler
	cfg     ServerConfig
}

func NewServer(hub *Hub, handler Handler, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{hub: hub, handler: handler, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		surfaces := 0
		if s.hub != nil {
			surfaces = len(s.hub.Surfaces())
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "surfaces": surfaces})
	case r.URL.Path == "/v1/rpc" && r.Method == http.MethodPost:
		s.handleRPC(w, r, correlationID)
	case r.URL.Path == "/v1/bridge" && r.Method == http.MethodGet:
		if s.hub == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "bridge hub not configured", correlationID)
			return
		}
		s.hub.ServeHTTP(w, r)
	case r.URL.Path == "/v1/rpc" || r.URL.Path == "/v1/bridge" || r.URL.Path == "/health":
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleRPC serves one request. Protocol failures are reported as response
// frames so callers always get a result or an error.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if strings.TrimSpace(string(msg.Action)) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "action is required", correlationID)
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	req := Request{
		ID:      msg.ID,
		Action:  msg.Action,
		Payload: msg.Payload,
		Surface: Surface{ID: "rpc-" + msg.ID, Kind: KindContent},
	}
	writeJSON(w, http.StatusOK, Dispatch(r.Context(), s.handler, req))
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// APIError is a non-200 answer from the HTTP call path.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge http %d %s: %s", e.StatusCode, e.Code, e.Message)
}
