package main

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rodrigowf/voicebridge/pkg/signal"
	"github.com/rodrigowf/voicebridge/pkg/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSignalSocket is the signaling endpoint. The path carries the full
// registration: conversation id and role. Attaching is the registration;
// there is no register message to wait for.
func (a *app) handleSignalSocket(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	role, err := signal.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "role must be primary or secondary")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	logger := a.logger.With(
		slog.String("conversation", convID),
		slog.String("role", string(role)))

	t := signal.NewWSTransport(conn)
	replaced := a.hub.Attach(convID, role, t)
	logger.Info("peer attached", slog.Bool("replaced", replaced))

	// A secondary attaching to a live session joins it; everything else is
	// an (re)attach on an existing link.
	if role == signal.RoleSecondary && a.ctrl.Link(convID, role) == nil {
		if err := a.ctrl.JoinSecondary(r.Context(), convID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("secondary join failed", slog.String("error", err.Error()))
		}
	} else {
		a.ctrl.PeerAttached(convID, role, replaced)
	}

	for {
		var env signal.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			break
		}
		if err := a.ctrl.HandleSignal(r.Context(), convID, role, env); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			logger.Warn("signal dispatch failed",
				slog.String("type", env.Type), slog.String("error", err.Error()))
		}
	}

	// Only the transport that still owns the registration reports the
	// detach; a superseded one exits quietly.
	if a.hub.Detach(convID, role, t) {
		a.ctrl.PeerDetached(convID, role)
		logger.Info("peer detached")
	}
	t.Close()
}
