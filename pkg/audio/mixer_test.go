package audio

import "testing"

var testFormat = Format{SampleRate: 24000, FrameMs: 20}

func constantFrame(f Format, value int16) []int16 {
	frame := make([]int16, f.SamplesPerFrame())
	for i := range frame {
		frame[i] = value
	}
	return frame
}

func TestMixFrameSums(t *testing.T) {
	m := NewMixer(testFormat)
	a := m.AddInput("mic")
	b := m.AddInput("model")

	a.Push(constantFrame(testFormat, 100))
	b.Push(constantFrame(testFormat, 250))

	out := m.MixFrame()
	if len(out) != testFormat.SamplesPerFrame() {
		t.Fatalf("frame len = %d, want %d", len(out), testFormat.SamplesPerFrame())
	}
	for i, s := range out {
		if s != 350 {
			t.Fatalf("sample %d = %d, want 350", i, s)
		}
	}
}

func TestMixFrameClamps(t *testing.T) {
	m := NewMixer(testFormat)
	a := m.AddInput("a")
	b := m.AddInput("b")

	a.Push(constantFrame(testFormat, 30000))
	b.Push(constantFrame(testFormat, 30000))

	out := m.MixFrame()
	for i, s := range out {
		if s != 32767 {
			t.Fatalf("sample %d = %d, want clamped 32767", i, s)
		}
	}

	a.Push(constantFrame(testFormat, -30000))
	b.Push(constantFrame(testFormat, -30000))
	out = m.MixFrame()
	for i, s := range out {
		if s != -32768 {
			t.Fatalf("sample %d = %d, want clamped -32768", i, s)
		}
	}
}

func TestMutedInputContributesSilence(t *testing.T) {
	m := NewMixer(testFormat)
	mic := m.AddInput("mic")
	model := m.AddInput("model")
	m.SetMute("mic", true)

	mic.Push(constantFrame(testFormat, 9999))
	model.Push(constantFrame(testFormat, 120))

	// Output equals the unmuted producer's signal sample-for-sample.
	out := m.MixFrame()
	for i, s := range out {
		if s != 120 {
			t.Fatalf("sample %d = %d, want 120", i, s)
		}
	}
}

func TestMissingProducerSubstitutesSilence(t *testing.T) {
	m := NewMixer(testFormat)
	m.AddInput("mic") // never pushes

	out := m.MixFrame()
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %d, want 0", i, s)
		}
	}
	if m.Frames() != 1 {
		t.Errorf("frame counter = %d, want 1 (tick must not starve)", m.Frames())
	}
}

func TestMuteDrainsQueue(t *testing.T) {
	m := NewMixer(testFormat)
	mic := m.AddInput("mic")
	m.SetMute("mic", true)

	mic.Push(constantFrame(testFormat, 500))
	m.MixFrame()

	// Unmute: the frame pushed while muted was consumed, not replayed.
	m.SetMute("mic", false)
	out := m.MixFrame()
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %d, want 0 after drain", i, s)
		}
	}
}

func TestGain(t *testing.T) {
	m := NewMixer(testFormat)
	in := m.AddInput("mic")
	m.SetGain("mic", 0.5)

	in.Push(constantFrame(testFormat, 1000))
	out := m.MixFrame()
	for i, s := range out {
		if s != 500 {
			t.Fatalf("sample %d = %d, want 500", i, s)
		}
	}
}

func TestInputQueueDropsOldest(t *testing.T) {
	m := NewMixer(testFormat)
	in := m.AddInput("mic")

	for v := int16(1); v <= inputQueueFrames+2; v++ {
		in.Push(constantFrame(testFormat, v))
	}

	// The first frames were dropped; the survivors are the newest ones in order.
	out := m.MixFrame()
	if out[0] != 3 {
		t.Fatalf("first surviving frame = %d, want 3", out[0])
	}
}

func TestMixState(t *testing.T) {
	m := NewMixer(testFormat)
	m.AddInput("mic")
	m.AddInput("model")
	m.SetMute("mic", true)

	state := m.MixState()
	if !state["mic"] || state["model"] {
		t.Errorf("state = %v", state)
	}
}

func TestResampleRoundTripLength(t *testing.T) {
	in := make([]int16, 480) // 20ms at 24kHz
	up := Resample(in, 24000, 48000)
	if len(up) != 960 {
		t.Errorf("upsampled len = %d, want 960", len(up))
	}
	down := Resample(up, 48000, 24000)
	if len(down) != 480 {
		t.Errorf("downsampled len = %d, want 480", len(down))
	}
}

func TestStereoMonoConversion(t *testing.T) {
	mono := []int16{10, 20, 30}
	stereo := MonoToStereo(mono)
	if len(stereo) != 6 || stereo[0] != 10 || stereo[1] != 10 {
		t.Fatalf("stereo = %v", stereo)
	}
	back := StereoToMono(stereo)
	for i := range mono {
		if back[i] != mono[i] {
			t.Fatalf("roundtrip sample %d = %d, want %d", i, back[i], mono[i])
		}
	}
}

func TestPCMBytesRoundTrip(t *testing.T) {
	pcm := []int16{-32768, -1, 0, 1, 32767}
	got := BytesToPCM(PCMToBytes(pcm))
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], pcm[i])
		}
	}
}

func TestRTPWriterAdvances(t *testing.T) {
	w := NewRTPWriter(0x1234)
	p1 := w.Packetize([]byte{0xfc})
	p2 := w.Packetize([]byte{0xfc})

	if p2.SequenceNumber != p1.SequenceNumber+1 {
		t.Errorf("seq %d -> %d, want +1", p1.SequenceNumber, p2.SequenceNumber)
	}
	if p2.Timestamp != p1.Timestamp+trackFrameSize {
		t.Errorf("ts %d -> %d, want +%d", p1.Timestamp, p2.Timestamp, trackFrameSize)
	}
	if p1.PayloadType != opusPayloadType {
		t.Errorf("payload type = %d", p1.PayloadType)
	}
}
