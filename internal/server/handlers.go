package server

import (
	"encoding/json"
	"net/http"

	"github.com/webruntime/ace/internal/policy"
)

// evaluateRequest is the wire shape for POST /evaluate.
type evaluateRequest struct {
	WidgetID string            `json:"widget_id"`
	Feature  string            `json:"feature"`
	Function string            `json:"function"`
	Params   map[string]string `json:"params"`
	CacheOnly bool             `json:"cache_only"`
}

type evaluateResponse struct {
	Result string `json:"result"`
	Cached bool   `json:"cached"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var body evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.WidgetID == "" {
		writeError(w, http.StatusBadRequest, "widget_id is required")
		return
	}
	if token, ok := tokenFromContext(r.Context()); ok && !token.AllowsWidget(body.WidgetID) {
		writeError(w, http.StatusForbidden, "token is not scoped to this widget")
		return
	}

	req := policy.Request{
		WidgetID: body.WidgetID,
		Feature:  body.Feature,
		Function: body.Function,
		Params:   body.Params,
	}

	if body.CacheOnly {
		result, hit := s.evaluator.EvaluateFromCacheOnly(req)
		if !hit {
			writeJSON(w, evaluateResponse{Result: "", Cached: false})
			return
		}
		writeJSON(w, evaluateResponse{Result: result.String(), Cached: true})
		return
	}

	result := s.evaluator.Evaluate(req)
	writeJSON(w, evaluateResponse{Result: result.String(), Cached: false})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.evaluator.UpdatePolicy(s.evaluator.CurrentPolicyPath()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "reloaded", "path": s.evaluator.CurrentPolicyPath()})
}

func (s *Server) handlePolicyPath(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"path": s.evaluator.CurrentPolicyPath()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}
