package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// WebRTC track parameters: 48kHz stereo Opus in 20ms frames, the negotiated
// codec on every media link.
const (
	trackSampleRate = 48000
	trackChannels   = 2
	trackFrameSize  = 960 // samples per channel per 20ms frame
)

// OpusEncoder encodes PCM to Opus at the track format.
type OpusEncoder struct {
	encoder *opus.Encoder
}

// NewOpusEncoder creates a voice-tuned Opus encoder.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(trackSampleRate, trackChannels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	enc.SetBitrate(64000)
	return &OpusEncoder{encoder: enc}, nil
}

// Encode encodes interleaved stereo PCM to one Opus payload.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	data := make([]byte, 1024)
	n, err := e.encoder.Encode(pcm, data)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

// TrackEncoder converts mixer-format frames into Opus payloads ready for a
// WebRTC track: resample to 48kHz, widen to stereo, buffer to 20ms frame
// boundaries, encode.
type TrackEncoder struct {
	format  Format
	encoder *OpusEncoder
	buffer  []int16 // interleaved 48kHz stereo awaiting a full frame
}

// NewTrackEncoder creates an encoder for mixer frames in the given format.
func NewTrackEncoder(format Format) (*TrackEncoder, error) {
	enc, err := NewOpusEncoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	return &TrackEncoder{format: format, encoder: enc}, nil
}

// EncodeFrame converts one mixer frame into zero or more Opus payloads.
func (e *TrackEncoder) EncodeFrame(frame []int16) ([][]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}

	resampled := Resample(frame, e.format.SampleRate, trackSampleRate)
	e.buffer = append(e.buffer, MonoToStereo(resampled)...)

	frameSamples := trackFrameSize * trackChannels
	var payloads [][]byte
	for len(e.buffer) >= frameSamples {
		chunk := e.buffer[:frameSamples]
		e.buffer = e.buffer[frameSamples:]

		payload, err := e.encoder.Encode(chunk)
		if err != nil {
			return payloads, fmt.Errorf("opus encode: %w", err)
		}
		payloads = append(payloads, payload)
	}

	return payloads, nil
}

// Reset discards buffered samples.
func (e *TrackEncoder) Reset() {
	e.buffer = e.buffer[:0]
}
