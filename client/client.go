// Package client is the device-side library for joining a voice conversation:
// it connects to the relay's signaling endpoint, answers the relay's offers on
// a single persistent PeerConnection and exposes the mixed audio tracks the
// relay sends back.
package client

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/rodrigowf/voicebridge/pkg/signal"
)

// AudioCallback is called once per inbound track the relay adds. Tracks can
// arrive at any time; a renegotiation mid-session delivers new ones.
type AudioCallback func(trackID string, track *webrtc.TrackRemote)

// PeerEventCallback is called when the other device attaches or detaches.
type PeerEventCallback func(role signal.Role, joined bool)

// MuteCallback mirrors the other device's mute state.
type MuteCallback func(role signal.Role, muted bool)

// Client is one device's connection to the relay. The relay is always the
// offerer; the client never creates offers, only answers, on the one
// PeerConnection it keeps for the whole session.
type Client struct {
	ServerURL string
	Role      signal.Role

	conn   *webrtc.PeerConnection
	ws     *websocket.Conn
	track  *webrtc.TrackLocalStaticRTP
	logger *slog.Logger

	onAudio     AudioCallback
	onPeerEvent PeerEventCallback
	onMute      MuteCallback

	mu        sync.Mutex
	writeMu   sync.Mutex
	rtpMu     sync.Mutex
	connected bool
	done      chan struct{}

	rtpSeqNum    uint16
	rtpTimestamp uint32
}

// NewClient creates a client for one device role. serverURL is the relay's
// base URL, e.g. "ws://localhost:8080".
func NewClient(serverURL string, role signal.Role, logger *slog.Logger) *Client {
	return &Client{
		ServerURL: serverURL,
		Role:      role,
		logger:    logger.With(slog.String("role", string(role))),
		done:      make(chan struct{}),
	}
}

// OnAudioReceived sets the callback for inbound audio tracks.
func (c *Client) OnAudioReceived(callback AudioCallback) {
	c.onAudio = callback
}

// OnPeerEvent sets the callback for the other device attaching or detaching.
func (c *Client) OnPeerEvent(callback PeerEventCallback) {
	c.onPeerEvent = callback
}

// OnMuteChanged sets the callback for the other device's mute state.
func (c *Client) OnMuteChanged(callback MuteCallback) {
	c.onMute = callback
}

// Connect opens the signaling socket for a conversation and prepares the
// PeerConnection. The path carries the registration; the relay offers as
// soon as it sees the attach.
func (c *Client) Connect(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}

	endpoint, err := url.JoinPath(c.ServerURL,
		"conversations", conversationID, "signal", string(c.Role))
	if err != nil {
		return fmt.Errorf("bad server url: %w", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	c.ws = ws

	pc, err := c.createPeerConnection()
	if err != nil {
		ws.Close()
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	c.conn = pc

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		fmt.Sprintf("audio-%s", c.Role),
		fmt.Sprintf("stream-%s", c.Role),
	)
	if err != nil {
		pc.Close()
		ws.Close()
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	c.track = track

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		ws.Close()
		return fmt.Errorf("failed to add track: %w", err)
	}

	// Read and discard RTCP packets
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		c.sendEnvelope(signal.Envelope{
			Type:      signal.TypeCandidate,
			Candidate: candidate.ToJSON().Candidate,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info("received audio track", slog.String("track", track.ID()))
		if c.onAudio != nil {
			go c.onAudio(track.ID(), track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Info("connection state changed", slog.String("state", state.String()))
	})

	go c.handleEnvelopes()

	c.connected = true
	c.logger.Info("attached to conversation", slog.String("conversation", conversationID))
	return nil
}

func (c *Client) createPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	return api.NewPeerConnection(config)
}

func (c *Client) handleEnvelopes() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		var env signal.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.logger.Debug("signaling read ended", slog.String("error", err.Error()))
			return
		}

		switch env.Type {
		case signal.TypeOffer:
			// First contact and every renegotiation land here alike; the
			// PeerConnection carries all the state that differs.
			c.handleOffer(env)
		case signal.TypeCandidate:
			c.handleCandidate(env)
		case signal.TypePeerJoined:
			if c.onPeerEvent != nil {
				c.onPeerEvent(env.Role, true)
			}
		case signal.TypePeerLeft:
			if c.onPeerEvent != nil {
				c.onPeerEvent(env.Role, false)
			}
		case signal.TypeMute:
			if c.onMute != nil && env.Muted != nil {
				c.onMute(env.Role, *env.Muted)
			}
		}
	}
}

func (c *Client) handleOffer(env signal.Envelope) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  env.SDP,
	}

	if err := c.conn.SetRemoteDescription(offer); err != nil {
		c.logger.Error("failed to set remote description", slog.String("error", err.Error()))
		return
	}

	answer, err := c.conn.CreateAnswer(nil)
	if err != nil {
		c.logger.Error("failed to create answer", slog.String("error", err.Error()))
		return
	}

	if err := c.conn.SetLocalDescription(answer); err != nil {
		c.logger.Error("failed to set local description", slog.String("error", err.Error()))
		return
	}

	c.sendEnvelope(signal.Envelope{
		Type: signal.TypeAnswer,
		SDP:  answer.SDP,
	})
}

func (c *Client) handleCandidate(env signal.Envelope) {
	candidate := webrtc.ICECandidateInit{
		Candidate: env.Candidate,
	}

	if err := c.conn.AddICECandidate(candidate); err != nil {
		c.logger.Warn("failed to add ICE candidate", slog.String("error", err.Error()))
	}
}

func (c *Client) sendEnvelope(env signal.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// SetMuted announces this device's mute state. Muting is a relay-side gain
// change; the track keeps flowing and no renegotiation happens.
func (c *Client) SetMuted(muted bool) error {
	return c.sendEnvelope(signal.Envelope{
		Type:  signal.TypeMute,
		Role:  c.Role,
		Muted: &muted,
	})
}

// WriteRTP writes a raw RTP packet to the outbound audio track.
func (c *Client) WriteRTP(data []byte) error {
	if c.track == nil {
		return fmt.Errorf("audio track not initialized")
	}
	_, err := c.track.Write(data)
	return err
}

// WriteOpus writes one Opus payload with RTP framing.
func (c *Client) WriteOpus(opusData []byte) error {
	if c.track == nil {
		return fmt.Errorf("audio track not initialized")
	}

	c.rtpMu.Lock()
	seqNum := c.rtpSeqNum
	timestamp := c.rtpTimestamp
	c.rtpSeqNum++
	c.rtpTimestamp += 960 // 20ms at 48kHz
	c.rtpMu.Unlock()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seqNum,
			Timestamp:      timestamp,
			SSRC:           0x564d4943, // overwritten by pion
		},
		Payload: opusData,
	}

	return c.track.WriteRTP(packet)
}

// GetAudioTrack returns the local audio track for direct RTP writing.
func (c *Client) GetAudioTrack() *webrtc.TrackLocalStaticRTP {
	return c.track
}

// Disconnect tears down the PeerConnection and the signaling socket.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	close(c.done)

	if c.conn != nil {
		c.conn.Close()
	}
	if c.ws != nil {
		c.ws.Close()
	}

	c.connected = false
	c.logger.Info("disconnected")
	return nil
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// AudioReader is a helper to read RTP packets off a remote track.
type AudioReader struct {
	Track *webrtc.TrackRemote
}

// ReadRTP reads one RTP packet from the track.
func (ar *AudioReader) ReadRTP() ([]byte, error) {
	buf := make([]byte, 1500)
	n, _, err := ar.Track.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// SilenceGenerator writes Opus silence frames at frame rate, keeping the
// uplink continuous while a device has no microphone input. The relay's VAD
// tuning relies on every producer being continuous.
type SilenceGenerator struct {
	frameSize uint32
}

// NewSilenceGenerator creates a generator for 20 ms frames at 48 kHz.
func NewSilenceGenerator() *SilenceGenerator {
	return &SilenceGenerator{frameSize: 960}
}

// silenceFrame is a minimal Opus DTX-style silence payload.
var silenceFrame = []byte{0xFC, 0xFF, 0xFE}

// Run writes silence until done closes or the write fails.
func (g *SilenceGenerator) Run(client *Client, done chan struct{}) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := client.WriteOpus(silenceFrame); err != nil {
				client.logger.Debug("silence write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
