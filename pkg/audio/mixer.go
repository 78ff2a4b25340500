package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const inputQueueFrames = 8

// Input is one named audio producer feeding a mixer. Producers push frames at
// their own pace; the mixer pops one frame per tick.
type Input struct {
	name  string
	queue chan []int16
	gain  float64
	muted bool
}

// Push hands a frame to the input's jitter queue. When the queue is full the
// oldest frame is dropped so latency stays bounded.
func (in *Input) Push(frame []int16) {
	for {
		select {
		case in.queue <- frame:
			return
		default:
			select {
			case <-in.queue:
			default:
			}
		}
	}
}

// Mixer sums the frames of its inputs into one outbound stream per
// destination. A missing or muted input contributes silence for the tick; the
// output cadence never stalls. Mute is a gain of zero, not input removal.
type Mixer struct {
	format Format

	mu     sync.RWMutex
	inputs map[string]*Input

	frames atomic.Uint64
}

// NewMixer builds a mixer for one destination.
func NewMixer(format Format) *Mixer {
	return &Mixer{
		format: format,
		inputs: make(map[string]*Input),
	}
}

// Format returns the mixer's frame format.
func (m *Mixer) Format() Format {
	return m.format
}

// AddInput registers a producer under name, replacing any previous input with
// that name.
func (m *Mixer) AddInput(name string) *Input {
	in := &Input{
		name:  name,
		queue: make(chan []int16, inputQueueFrames),
		gain:  1.0,
	}
	m.mu.Lock()
	m.inputs[name] = in
	m.mu.Unlock()
	return in
}

// RemoveInput unregisters a producer.
func (m *Mixer) RemoveInput(name string) {
	m.mu.Lock()
	delete(m.inputs, name)
	m.mu.Unlock()
}

// SetMute toggles an input's mute flag. The input keeps being drained while
// muted so stale audio does not burst out on unmute.
func (m *Mixer) SetMute(name string, muted bool) {
	m.mu.Lock()
	if in, ok := m.inputs[name]; ok {
		in.muted = muted
	}
	m.mu.Unlock()
}

// SetGain adjusts an input's gain.
func (m *Mixer) SetGain(name string, gain float64) {
	m.mu.Lock()
	if in, ok := m.inputs[name]; ok {
		in.gain = gain
	}
	m.mu.Unlock()
}

// MixState reports each input's mute flag.
func (m *Mixer) MixState() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := make(map[string]bool, len(m.inputs))
	for name, in := range m.inputs {
		state[name] = in.muted
	}
	return state
}

// Frames returns the number of frames produced so far. Consumers use it as a
// continuity counter: it advances exactly once per tick regardless of input
// availability.
func (m *Mixer) Frames() uint64 {
	return m.frames.Load()
}

// MixFrame produces one output frame: at most one frame popped per input,
// silence substituted for empty or muted inputs, samples summed with int16
// clamping.
func (m *Mixer) MixFrame() []int16 {
	n := m.format.SamplesPerFrame()
	acc := make([]int32, n)

	m.mu.RLock()
	for _, in := range m.inputs {
		var frame []int16
		select {
		case frame = <-in.queue:
		default:
		}
		if frame == nil || in.muted || in.gain == 0 {
			continue
		}
		gain := in.gain
		for i := 0; i < n && i < len(frame); i++ {
			acc[i] += int32(float64(frame[i]) * gain)
		}
	}
	m.mu.RUnlock()

	out := make([]int16, n)
	for i, s := range acc {
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		out[i] = int16(s)
	}

	m.frames.Add(1)
	return out
}

// Run drives the mixer at the frame cadence until ctx is cancelled, passing
// each mixed frame to sink.
func (m *Mixer) Run(ctx context.Context, sink func([]int16)) {
	ticker := time.NewTicker(m.format.FrameDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sink(m.MixFrame())
		}
	}
}
