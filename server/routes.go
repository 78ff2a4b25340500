package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rodrigowf/voicebridge/pkg/signal"
	"github.com/rodrigowf/voicebridge/pkg/store"
)

const (
	minInactiveMinutes = 1
	maxInactiveMinutes = 1440
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *app) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := a.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (a *app) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	conv, err := a.store.Create(r.Context(), req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (a *app) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := a.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *app) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := a.store.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filter := store.EventFilter{Source: r.URL.Query().Get("source")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	events, err := a.store.Events(r.Context(), id, filter)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *app) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source  string `json:"source"`
		Type    string `json:"type"`
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "source and type are required")
		return
	}

	seq, err := a.store.Append(r.Context(), chi.URLParam(r, "id"), store.Event{
		Source: req.Source, Type: req.Type, Payload: req.Payload,
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to append event")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"seq": seq})
}

func (a *app) handleCleanup(w http.ResponseWriter, r *http.Request) {
	minutes := a.cfg.Cleanup.InactiveMinutes
	if raw := r.URL.Query().Get("inactive_minutes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "inactive_minutes must be an integer")
			return
		}
		minutes = parsed
	}
	if minutes < minInactiveMinutes || minutes > maxInactiveMinutes {
		writeError(w, http.StatusBadRequest, "inactive_minutes must be between 1 and 1440")
		return
	}

	deleted, err := a.store.CleanupInactive(r.Context(), time.Duration(minutes)*time.Minute)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	if deleted == nil {
		deleted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted_count":    len(deleted),
		"deleted_ids":      deleted,
		"inactive_minutes": minutes,
	})
}

func (a *app) handleVoiceStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.ctrl.StartPrimary(r.Context(), id); err != nil {
		a.logger.Error("voice start failed",
			slog.String("conversation", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (a *app) handleVoiceStop(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (a *app) handleVoiceMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role  string `json:"role"`
		Muted bool   `json:"muted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, err := signal.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "role must be primary or secondary")
		return
	}

	err = a.ctrl.SetMute(r.Context(), chi.URLParam(r, "id"), role, req.Muted)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to set mute")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "muted": req.Muted})
}
