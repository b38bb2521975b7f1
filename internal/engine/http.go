package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"sessionsync/internal/broadcast"
	"sessionsync/internal/executor"
	"sessionsync/internal/overlay"
)

// routes builds the HTTP mux: a JSON API over the executor manager and
// the archive, plus the WebSocket subscription endpoint.
func (e *Engine) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", broadcast.NewHandler(e.hub, e.cfg.SubscriberBuffer))
	mux.HandleFunc("GET /healthz", e.handleHealth)
	mux.HandleFunc("GET /api/sessions", e.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", e.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", e.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/prompt", e.handlePrompt)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", e.handleCancel)
	mux.HandleFunc("POST /api/sessions/{id}/end", e.handleEnd)
	mux.HandleFunc("POST /api/sessions/{id}/restart", e.handleRestart)
	mux.HandleFunc("PUT /api/sessions/{id}/metadata", e.handleMetadata)
	mux.HandleFunc("GET /api/sessions/{id}/history", e.handleSessionHistory)
	mux.HandleFunc("GET /api/events/recent", e.handleRecentEvents)
	return mux
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(e.reg.List()),
		"tracked":  e.tailer.TrackedCount(),
	})
}

func (e *Engine) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.mgr.List())
}

func (e *Engine) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, ok := e.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (e *Engine) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := e.mgr.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt must not be empty")
		return
	}
	if err := e.mgr.SendPrompt(r.Context(), r.PathValue("id"), req.Prompt); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (e *Engine) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := e.mgr.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (e *Engine) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := e.mgr.End(r.Context(), r.PathValue("id")); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (e *Engine) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := e.mgr.Restart(r.Context(), r.PathValue("id")); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleMetadata applies a partial overlay update. Absent fields stay
// untouched; a present-but-null zonePosition or autoAccept clears the
// field, and an empty suggestion clears it.
func (e *Engine) handleMetadata(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ZonePosition json.RawMessage `json:"zonePosition"`
		Suggestion   *string         `json:"suggestion"`
		AutoAccept   json.RawMessage `json:"autoAccept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")

	if len(req.ZonePosition) > 0 {
		var pos *overlay.ZonePosition
		if string(req.ZonePosition) != "null" {
			pos = &overlay.ZonePosition{}
			if err := json.Unmarshal(req.ZonePosition, pos); err != nil {
				writeError(w, http.StatusBadRequest, "invalid zonePosition")
				return
			}
		}
		if err := e.mgr.SetZonePosition(id, pos); err != nil {
			writeManagerError(w, err)
			return
		}
	}
	if req.Suggestion != nil {
		if err := e.mgr.SetSuggestion(id, *req.Suggestion); err != nil {
			writeManagerError(w, err)
			return
		}
	}
	if len(req.AutoAccept) > 0 {
		var accept *bool
		if string(req.AutoAccept) != "null" {
			accept = new(bool)
			if err := json.Unmarshal(req.AutoAccept, accept); err != nil {
				writeError(w, http.StatusBadRequest, "invalid autoAccept")
				return
			}
		}
		if err := e.mgr.SetAutoAccept(id, accept); err != nil {
			writeManagerError(w, err)
			return
		}
	}

	view, ok := e.mgr.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (e *Engine) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	view, ok := e.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	events, err := e.recentEvents(view.ExternalID, queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (e *Engine) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := e.recentEvents("", queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return 100
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, executor.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, executor.ErrInconclusive):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, executor.ErrNoBackend):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
