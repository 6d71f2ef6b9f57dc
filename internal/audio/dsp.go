package audio

import "math"

// ToMono averages interleaved channels frame by frame. A trailing partial
// frame is discarded.
func ToMono(data []float32, channels int) []float32 {
	if channels <= 1 {
		return data
	}
	frames := len(data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for _, s := range data[i*channels : (i+1)*channels] {
			sum += s
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Decimate keeps every factor-th sample where factor = from/to. Rates that
// are not an integer multiple of the target pass through untouched.
func Decimate(samples []float32, from, to int) []float32 {
	if to <= 0 || from == to || from < to || from%to != 0 {
		return samples
	}
	factor := from / to
	out := make([]float32, 0, (len(samples)+factor-1)/factor)
	for i := 0; i < len(samples); i += factor {
		out = append(out, samples[i])
	}
	return out
}

// IsIntegerMultiple reports whether from can be decimated to exactly to.
func IsIntegerMultiple(from, to int) bool {
	return to > 0 && from >= to && from%to == 0
}

// RMS returns the root-mean-square energy, 0 for empty input.
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}
