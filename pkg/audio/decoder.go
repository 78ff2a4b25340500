package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// OpusDecoder decodes Opus payloads at the track format.
type OpusDecoder struct {
	decoder *opus.Decoder
}

// NewOpusDecoder creates a decoder for the 48kHz stereo track format.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(trackSampleRate, trackChannels)
	if err != nil {
		return nil, err
	}
	return &OpusDecoder{decoder: dec}, nil
}

// Decode decodes one Opus payload to interleaved stereo PCM.
func (d *OpusDecoder) Decode(payload []byte) ([]int16, error) {
	// Opus frames can be up to 60ms; at 48kHz that is 2880 samples per channel.
	pcm := make([]int16, 2880*trackChannels)
	n, err := d.decoder.Decode(payload, pcm)
	if err != nil {
		return nil, err
	}
	return pcm[:n*trackChannels], nil
}

// TrackDecoder converts incoming WebRTC Opus payloads into mixer-format
// frames: decode, collapse to mono, resample to the mixer rate, split on
// frame boundaries.
type TrackDecoder struct {
	format  Format
	decoder *OpusDecoder
	buffer  []int16 // mono samples at the mixer rate awaiting a full frame
}

// NewTrackDecoder creates a decoder producing frames in the given format.
func NewTrackDecoder(format Format) (*TrackDecoder, error) {
	dec, err := NewOpusDecoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	return &TrackDecoder{format: format, decoder: dec}, nil
}

// DecodePayload converts one Opus payload into zero or more mixer frames.
func (d *TrackDecoder) DecodePayload(payload []byte) ([][]int16, error) {
	stereo, err := d.decoder.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}

	mono := StereoToMono(stereo)
	d.buffer = append(d.buffer, Resample(mono, trackSampleRate, d.format.SampleRate)...)

	n := d.format.SamplesPerFrame()
	var frames [][]int16
	for len(d.buffer) >= n {
		frame := make([]int16, n)
		copy(frame, d.buffer[:n])
		d.buffer = d.buffer[n:]
		frames = append(frames, frame)
	}

	return frames, nil
}

// Reset discards buffered samples.
func (d *TrackDecoder) Reset() {
	d.buffer = d.buffer[:0]
}
