package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/raaihank/pii-gateway/internal/gateway"
	"github.com/raaihank/pii-gateway/internal/pseudonym"
	"go.uber.org/zap"
)

type pseudonymizeRequest struct {
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

type reverseRequest struct {
	Text     string              `json:"text"`
	Mappings []pseudonym.Mapping `json:"mappings"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// handleDecide runs the full pipeline and returns the decision with the
// processed text
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req gateway.Request
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.deps.Gateway.Process(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePseudonymize pseudonymizes text without routing
func (s *Server) handlePseudonymize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pseudonymizer == nil {
		s.writeError(w, r, http.StatusNotImplemented, "pseudonymization is not configured")
		return
	}
	var req pseudonymizeRequest
	if !s.decode(w, r, &req) {
		return
	}

	requestContext := req.Context
	if requestContext == "" {
		requestContext = getRequestID(r.Context())
	}
	res, err := s.deps.Pseudonymizer.Pseudonymize(r.Context(), req.Text, requestContext)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleReverse restores originals from caller-held mappings
func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := pseudonym.Reverse(req.Text, req.Mappings)
	if errors.Is(err, pseudonym.ErrNoMappings) {
		s.writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":            "pii-gateway",
		"version":         Version,
		"privacy_enabled": s.config.Privacy.Enabled,
		"policy_enforced": s.config.Policy.Enforced,
		"default_mode":    s.config.Policy.DefaultMode,
		"fail_mode":       s.config.Policy.FailMode,
		"audit_level":     s.config.Policy.AuditLevel,
	}
	if s.deps.Rules != nil {
		rules := s.deps.Rules.GetEnabledRules()
		info["detectors_count"] = len(rules)
		info["detectors"] = rules
	}
	if s.deps.Stats != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if stats, err := s.deps.Stats.GetStats(ctx); err == nil {
			info["store"] = stats
		} else {
			s.logger.Warn("Failed to read store stats", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// decode reads a JSON body and writes the error response itself
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := s.logger.WithRequestID(getRequestID(r.Context()))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Warn("Request abandoned", zap.Error(err))
		s.writeError(w, r, http.StatusServiceUnavailable, "request canceled")
		return
	}
	log.Error("Request failed", zap.Error(err))
	s.writeError(w, r, http.StatusInternalServerError, "internal server error")
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: getRequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
