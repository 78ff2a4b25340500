package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rodrigowf/voicebridge/pkg/audio"
	"github.com/rodrigowf/voicebridge/pkg/config"
	"github.com/rodrigowf/voicebridge/pkg/session"
	"github.com/rodrigowf/voicebridge/pkg/signal"
	"github.com/rodrigowf/voicebridge/pkg/speech"
	"github.com/rodrigowf/voicebridge/pkg/store"
)

// app owns the wired subsystems and the HTTP surface.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	hub    *signal.Hub
	ctrl   *session.Controller
	router *chi.Mux
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	format := audio.Format{
		SampleRate: cfg.Audio.SampleRate,
		FrameMs:    cfg.Audio.FrameMs,
	}

	hub := signal.NewHub(logger)
	ctrl := session.NewController(hub, st, session.Config{
		Format:           format,
		CleanupThreshold: time.Duration(cfg.Cleanup.InactiveMinutes) * time.Minute,
	}, func() (session.MediaLink, error) {
		return session.NewPionLink(cfg.WebRTC.STUNServers, format)
	}, func() session.SpeechPeer {
		return speech.NewClient(speech.Config{
			APIKey:     cfg.Speech.APIKey,
			Model:      cfg.Speech.Model,
			Voice:      cfg.Speech.Voice,
			SampleRate: cfg.Audio.SampleRate,
		}, logger)
	}, logger)

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		hub:    hub,
		ctrl:   ctrl,
	}
	a.router = a.routes()
	return a, nil
}

func (a *app) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "voicebridge")
	})

	r.Get("/health", a.handleHealth)

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", a.handleListConversations)
		r.Post("/", a.handleCreateConversation)
		r.Post("/cleanup", a.handleCleanup)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetConversation)
			r.Delete("/", a.handleDeleteConversation)
			r.Get("/events", a.handleListEvents)
			r.Post("/events", a.handleAppendEvent)
			r.Get("/signal/{role}", a.handleSignalSocket)
			r.Post("/voice/start", a.handleVoiceStart)
			r.Post("/voice/stop", a.handleVoiceStop)
			r.Post("/voice/mute", a.handleVoiceMute)
		})
	})

	return r
}

func (a *app) Run() error {
	return http.ListenAndServe(fmt.Sprintf(":%d", a.cfg.Server.Port), a.router)
}

func (a *app) Close() {
	a.store.Close()
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
