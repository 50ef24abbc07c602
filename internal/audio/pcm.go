package audio

import (
	"encoding/binary"
	"math"
)

// BytesToSamples reads little-endian 16-bit PCM. A trailing odd byte is dropped.
func BytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// SamplesToBytes writes little-endian 16-bit PCM.
func SamplesToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square level normalized to 0..1.
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// Peak returns the largest absolute amplitude normalized to 0..1.
func Peak(pcm []int16) float64 {
	var max float64
	for _, s := range pcm {
		if a := math.Abs(float64(s)); a > max {
			max = a
		}
	}
	return max / 32768.0
}

// DurationMs is the playback length of n samples at rate.
func DurationMs(n, rate int) int {
	if rate <= 0 {
		return 0
	}
	return n * 1000 / rate
}

// Resample converts mono PCM between sample rates. Integer downsampling ratios
// average each group of input samples before decimating; every other ratio
// uses linear interpolation.
func Resample(pcm []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to || len(pcm) == 0 {
		out := make([]int16, len(pcm))
		copy(out, pcm)
		return out
	}

	if from > to && from%to == 0 {
		ratio := from / to
		out := make([]int16, len(pcm)/ratio)
		for i := range out {
			var sum int
			for j := 0; j < ratio; j++ {
				sum += int(pcm[i*ratio+j])
			}
			out[i] = int16(sum / ratio)
		}
		return out
	}

	n := int(int64(len(pcm)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(idx)
		v := float64(pcm[idx])*(1-frac) + float64(pcm[idx+1])*frac
		out[i] = clamp16(v)
	}
	return out
}

// Normalize scales pcm so its RMS approaches target (0..1). Gain is capped at
// maxGain so near-silent input is not amplified into noise.
func Normalize(pcm []int16, target, maxGain float64) []int16 {
	out := make([]int16, len(pcm))
	level := RMS(pcm)
	if level == 0 || target <= 0 {
		copy(out, pcm)
		return out
	}
	gain := target / level
	if maxGain > 0 && gain > maxGain {
		gain = maxGain
	}
	if peak := Peak(pcm); peak > 0 && gain*peak > 0.99 {
		gain = 0.99 / peak
	}
	for i, s := range pcm {
		out[i] = clamp16(float64(s) * gain)
	}
	return out
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}
