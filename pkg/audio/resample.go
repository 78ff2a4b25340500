package audio

// Resample converts mono PCM samples between sample rates using linear
// interpolation. Good enough for voice; no pack-level DSP dependency exists.
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(input) == 0 {
		return input
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputSamples := int(float64(len(input)) * ratio)
	output := make([]int16, outputSamples)

	for i := 0; i < outputSamples; i++ {
		srcPos := float64(i) / ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		idx1 := srcIdx
		idx2 := srcIdx + 1
		if idx1 >= len(input) {
			idx1 = len(input) - 1
		}
		if idx2 >= len(input) {
			idx2 = len(input) - 1
		}

		s1 := input[idx1]
		s2 := input[idx2]
		output[i] = int16(float64(s1)*(1-frac) + float64(s2)*frac)
	}

	return output
}

// MonoToStereo duplicates each sample into two channels.
func MonoToStereo(mono []int16) []int16 {
	stereo := make([]int16, len(mono)*2)
	for i, s := range mono {
		stereo[i*2] = s
		stereo[i*2+1] = s
	}
	return stereo
}

// StereoToMono averages each channel pair into one sample.
func StereoToMono(stereo []int16) []int16 {
	mono := make([]int16, len(stereo)/2)
	for i := range mono {
		mono[i] = int16((int32(stereo[i*2]) + int32(stereo[i*2+1])) / 2)
	}
	return mono
}
