package server

import (
	"encoding/json"
	"net/http"

	"github.com/callosumhq/callosum"
)

func (s *Server) handleIntercept(w http.ResponseWriter, r *http.Request) {
	var req callosum.CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body: "+err.Error())
		return
	}
	if req.Instance == "" || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "instance and toolName are required")
		return
	}

	d, err := s.gate.BeforeToolCall(r.Context(), req.Instance, &callosum.ToolCallEvent{
		ToolName: req.ToolName,
		Params:   req.Params,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req callosum.CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body: "+err.Error())
		return
	}
	if req.Instance == "" || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "instance and toolName are required")
		return
	}

	err := s.gate.AfterToolCall(r.Context(), req.Instance, &callosum.ToolCallEvent{
		ToolName: req.ToolName,
		Params:   req.Params,
		Error:    req.Error,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": true})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req callosum.LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body: "+err.Error())
		return
	}
	if req.Instance == "" || req.ContextKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "instance and contextKey are required")
		return
	}
	if !req.Tier.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown tier")
		return
	}

	acquired, conflict, err := s.gate.Acquire(r.Context(), req.Instance, req.ContextKey, req.Tier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &callosum.LockReply{Acquired: acquired, Conflict: conflict})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req callosum.LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body: "+err.Error())
		return
	}
	if req.Instance == "" || req.ContextKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "instance and contextKey are required")
		return
	}

	if err := s.gate.Release(r.Context(), req.Instance, req.ContextKey); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.gate.Status(r.Context(), r.URL.Query().Get("contextKey"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, "limit", s.config.PageSize)
	entries, err := s.gate.Journal(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
