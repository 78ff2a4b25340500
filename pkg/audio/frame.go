package audio

import (
	"encoding/binary"
	"time"
)

// Format describes the PCM frames flowing through a mixer: mono, signed
// 16-bit little-endian, fixed sample rate, fixed frame duration.
type Format struct {
	SampleRate int // Hz
	FrameMs    int // frame duration in milliseconds
}

// DefaultFormat matches the speech model's pcm16 stream: 24kHz mono with 20ms
// frames. 20ms keeps frame boundaries far below end-of-turn silence thresholds
// while bounding per-frame overhead.
var DefaultFormat = Format{SampleRate: 24000, FrameMs: 20}

// SamplesPerFrame returns the number of samples in one frame.
func (f Format) SamplesPerFrame() int {
	return f.SampleRate * f.FrameMs / 1000
}

// FrameDuration returns the frame cadence.
func (f Format) FrameDuration() time.Duration {
	return time.Duration(f.FrameMs) * time.Millisecond
}

// Silence returns a zero frame of the format's size.
func (f Format) Silence() []int16 {
	return make([]int16, f.SamplesPerFrame())
}

// FrameSplitter re-chunks arbitrarily sized PCM deliveries into fixed-size
// frames. The speech model streams audio in whatever chunk sizes it likes;
// the mixer only accepts full frames.
type FrameSplitter struct {
	format Format
	buffer []int16
}

// NewFrameSplitter creates a splitter for the given format.
func NewFrameSplitter(format Format) *FrameSplitter {
	return &FrameSplitter{format: format}
}

// Push appends samples and returns every complete frame now available.
func (fs *FrameSplitter) Push(samples []int16) [][]int16 {
	fs.buffer = append(fs.buffer, samples...)

	n := fs.format.SamplesPerFrame()
	var frames [][]int16
	for len(fs.buffer) >= n {
		frame := make([]int16, n)
		copy(frame, fs.buffer[:n])
		fs.buffer = fs.buffer[n:]
		frames = append(frames, frame)
	}
	return frames
}

// Reset discards buffered samples.
func (fs *FrameSplitter) Reset() {
	fs.buffer = fs.buffer[:0]
}

// BytesToPCM converts little-endian int16 bytes to samples.
func BytesToPCM(data []byte) []int16 {
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm
}

// PCMToBytes converts samples to little-endian int16 bytes.
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
