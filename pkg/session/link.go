package session

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/rodrigowf/voicebridge/pkg/audio"
)

// TrackWriter pushes mixer frames onto one outbound track.
type TrackWriter interface {
	WriteFrame(frame []int16) error
}

// MediaLink is the negotiated media transport to one peer: descriptor
// operations for the Negotiator plus the audio track surface for the relay.
type MediaLink interface {
	DescriptorTransport
	// AddAudioTrack creates an outbound Opus track. The track carries nothing
	// until the link is renegotiated.
	AddAudioTrack(id, streamID string) (TrackWriter, error)
	// OnRemoteFrame registers the consumer of decoded inbound audio, one
	// mixer-format frame at a time.
	OnRemoteFrame(fn func(frame []int16))
	// OnLocalCandidate registers the consumer of locally gathered ICE
	// candidates.
	OnLocalCandidate(fn func(candidate string))
	// OnClosed registers the callback fired when the underlying transport
	// fails or closes.
	OnClosed(fn func())
}

var opusCodec = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// PionLink implements MediaLink over a pion PeerConnection with an
// Opus-only media engine.
type PionLink struct {
	pc     *webrtc.PeerConnection
	format audio.Format

	mu          sync.Mutex
	onFrame     func([]int16)
	onCandidate func(string)
	onClosed    func()
	closed      bool
}

// NewPionLink creates a peer connection configured for Opus audio with a
// receive transceiver already in place for the peer's microphone.
func NewPionLink(stunServers []string, format audio.Format) (*PionLink, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCodec,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	l := &PionLink{pc: pc, format: format}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add transceiver: %w", err)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		l.mu.Lock()
		fn := l.onCandidate
		l.mu.Unlock()
		if fn != nil {
			fn(candidate.ToJSON().Candidate)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go l.readTrack(remote)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			l.mu.Lock()
			fn := l.onClosed
			already := l.closed
			l.closed = true
			l.mu.Unlock()
			if fn != nil && !already {
				fn()
			}
		}
	})

	return l, nil
}

func (l *PionLink) readTrack(remote *webrtc.TrackRemote) {
	decoder, err := audio.NewTrackDecoder(l.format)
	if err != nil {
		return
	}

	for {
		packet, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		frames, err := decoder.DecodePayload(packet.Payload)
		if err != nil {
			continue
		}
		l.mu.Lock()
		fn := l.onFrame
		l.mu.Unlock()
		if fn == nil {
			continue
		}
		for _, frame := range frames {
			fn(frame)
		}
	}
}

func (l *PionLink) OnRemoteFrame(fn func([]int16)) {
	l.mu.Lock()
	l.onFrame = fn
	l.mu.Unlock()
}

func (l *PionLink) OnLocalCandidate(fn func(string)) {
	l.mu.Lock()
	l.onCandidate = fn
	l.mu.Unlock()
}

func (l *PionLink) OnClosed(fn func()) {
	l.mu.Lock()
	l.onClosed = fn
	l.mu.Unlock()
}

func (l *PionLink) CreateOffer() (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (l *PionLink) CreateAnswer(remoteSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSDP}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (l *PionLink) ApplyAnswer(remoteSDP string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remoteSDP}
	return l.pc.SetRemoteDescription(answer)
}

func (l *PionLink) AddICECandidate(candidate string) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// AddAudioTrack creates an outbound Opus track on the existing connection.
// The caller is responsible for renegotiating; the track carries nothing
// until that completes.
func (l *PionLink) AddAudioTrack(id, streamID string) (TrackWriter, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(opusCodec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create track: %w", err)
	}

	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	// Drain RTCP to keep the sender alive.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	encoder, err := audio.NewTrackEncoder(l.format)
	if err != nil {
		return nil, err
	}

	return &pionTrackWriter{
		track:   track,
		encoder: encoder,
		rtp:     audio.NewRTPWriter(0x56425247), // "VBRG"; pion rewrites it
	}, nil
}

func (l *PionLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.pc.Close()
}

type pionTrackWriter struct {
	mu      sync.Mutex
	track   *webrtc.TrackLocalStaticRTP
	encoder *audio.TrackEncoder
	rtp     *audio.RTPWriter
}

func (w *pionTrackWriter) WriteFrame(frame []int16) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payloads, err := w.encoder.EncodeFrame(frame)
	if err != nil {
		return err
	}
	for _, payload := range payloads {
		if err := w.track.WriteRTP(w.rtp.Packetize(payload)); err != nil {
			return err
		}
	}
	return nil
}
