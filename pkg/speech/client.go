package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const realtimeWSURL = "wss://api.openai.com/v1/realtime"

// Config holds realtime speech connection settings.
type Config struct {
	APIKey     string
	Model      string // e.g. gpt-4o-realtime-preview
	Voice      string // e.g. alloy
	SampleRate int    // PCM16 rate of the audio exchanged with the model
	URL        string // endpoint override, defaults to the OpenAI realtime API
}

// Client is a realtime speech-to-speech client. Audio goes up as raw PCM16,
// the model's spoken reply and transcripts come back over the same socket.
// The model runs server-side voice activity detection, which is why the
// uplink must be a continuous frame stream rather than bursts.
type Client struct {
	cfg          Config
	conn         *websocket.Conn
	logger       *slog.Logger
	onAudio      func(pcm []byte)
	onTranscript func(text string, final bool)

	mu        sync.Mutex
	writeMu   sync.Mutex
	connected bool
	closed    bool
	done      chan struct{}
}

// serverEvent is the type discriminator of an incoming realtime event.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewClient creates a realtime speech client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.URL == "" {
		cfg.URL = realtimeWSURL
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "speech")),
		done:   make(chan struct{}),
	}
}

// OnAudio sets the callback for the model's audio deltas (raw PCM16).
func (c *Client) OnAudio(fn func(pcm []byte)) {
	c.onAudio = fn
}

// OnTranscript sets the callback for transcript text, both the user's speech
// and the model's replies. final is false for streaming deltas.
func (c *Client) OnTranscript(fn func(text string, final bool)) {
	c.onTranscript = fn
}

// Connect dials the realtime endpoint and configures the session for raw
// PCM16 audio with server-side VAD.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	url := fmt.Sprintf("%s?model=%s", c.cfg.URL, c.cfg.Model)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("realtime connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.closed = false
	c.done = make(chan struct{})

	if err := c.configureSession(); err != nil {
		conn.Close()
		c.connected = false
		return err
	}

	go c.readEvents()

	c.logger.Info("connected to realtime speech service",
		slog.String("model", c.cfg.Model))
	return nil
}

// configureSession pins the session to PCM16 at the mixer's rate, enables
// server VAD and input transcription. Must run before any audio is appended.
func (c *Client) configureSession() error {
	update := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"voice":               c.cfg.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type": "server_vad",
			},
		},
	}
	return c.writeJSON(update)
}

func (c *Client) readEvents() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			c.logger.Warn("realtime read error", slog.String("error", err.Error()))
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "response.audio.delta":
			if c.onAudio == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				c.logger.Warn("bad audio delta", slog.String("error", err.Error()))
				continue
			}
			c.onAudio(pcm)

		case "response.audio_transcript.delta":
			if c.onTranscript != nil && ev.Delta != "" {
				c.onTranscript(ev.Delta, false)
			}

		case "response.audio_transcript.done":
			if c.onTranscript != nil && ev.Transcript != "" {
				c.onTranscript(ev.Transcript, true)
			}

		case "conversation.item.input_audio_transcription.completed":
			if c.onTranscript != nil && ev.Transcript != "" {
				c.onTranscript(ev.Transcript, true)
			}

		case "error":
			c.logger.Error("realtime error", slog.String("message", ev.Error.Message))
		}
	}
}

// SendAudio appends one PCM16 frame to the model's input buffer. With server
// VAD enabled there is no explicit commit; the model segments turns from the
// stream itself.
func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	c.mu.Unlock()

	return c.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *Client) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close closes the connection. Safe to call whether or not connected; the
// socket is released even when the read loop already ended on an error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return nil
	}
	c.closed = true

	close(c.done)

	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()

	c.connected = false
	c.logger.Info("disconnected from realtime speech service")
	return nil
}

// IsConnected reports whether the socket is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
