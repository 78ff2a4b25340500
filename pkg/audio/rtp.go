package audio

import (
	"sync"

	"github.com/pion/rtp"
)

const opusPayloadType = 111

// RTPWriter stamps Opus payloads with RTP headers for a WebRTC track,
// advancing sequence number and timestamp per 20ms frame.
type RTPWriter struct {
	mu        sync.Mutex
	seqNum    uint16
	timestamp uint32
	ssrc      uint32
}

// NewRTPWriter creates a writer with the given SSRC. Pion rewrites the SSRC
// on send, so the value only needs to be stable.
func NewRTPWriter(ssrc uint32) *RTPWriter {
	return &RTPWriter{ssrc: ssrc}
}

// Packetize wraps one Opus payload in an RTP packet.
func (w *RTPWriter) Packetize(payload []byte) *rtp.Packet {
	w.mu.Lock()
	seq := w.seqNum
	ts := w.timestamp
	w.seqNum++
	w.timestamp += trackFrameSize
	w.mu.Unlock()

	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}
}
