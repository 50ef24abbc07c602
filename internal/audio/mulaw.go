// Package audio converts between carrier telephony audio (G.711 mu-law,
// 8 kHz mono) and the 16-bit linear PCM speech models consume and produce.
package audio

const (
	// TelephonySampleRate is the carrier media rate.
	TelephonySampleRate = 8000
	// FrameMs is the duration of one carrier media frame.
	FrameMs = 20
	// FrameBytes is one 20 ms mu-law frame at 8 kHz.
	FrameBytes = TelephonySampleRate * FrameMs / 1000

	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable [256]int16

func init() {
	for i := range mulawDecodeTable {
		mulawDecodeTable[i] = decodeMulawSample(byte(i))
	}
}

func decodeMulawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	magnitude := ((int(mantissa) << 3) + mulawBias) << exponent
	magnitude -= mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

func encodeMulawSample(s int16) byte {
	sample := int(s)
	sign := 0
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeMulaw expands mu-law bytes into linear PCM samples.
func DecodeMulaw(b []byte) []int16 {
	out := make([]int16, len(b))
	for i, u := range b {
		out[i] = mulawDecodeTable[u]
	}
	return out
}

// EncodeMulaw compresses linear PCM samples into mu-law bytes.
func EncodeMulaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = encodeMulawSample(s)
	}
	return out
}
