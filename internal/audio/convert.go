package audio

import (
	"bytes"
	"encoding/binary"
)

const (
	defaultTargetRMS = 0.1
	defaultMaxGain   = 4.0
)

// FromCarrier decodes an 8 kHz mu-law payload into PCM at rate.
func FromCarrier(payload []byte, rate int) []int16 {
	return Resample(DecodeMulaw(payload), TelephonySampleRate, rate)
}

// ToCarrier resamples PCM at rate to 8 kHz, normalizes its level and encodes
// it as mu-law.
func ToCarrier(pcm []int16, rate int) []byte {
	narrow := Resample(pcm, rate, TelephonySampleRate)
	return EncodeMulaw(Normalize(narrow, defaultTargetRMS, defaultMaxGain))
}

// Frames splits a mu-law stream into carrier frames. The last frame is padded
// with mu-law silence so every frame plays for exactly FrameMs.
func Frames(mulaw []byte) [][]byte {
	if len(mulaw) == 0 {
		return nil
	}
	n := (len(mulaw) + FrameBytes - 1) / FrameBytes
	out := make([][]byte, 0, n)
	for i := 0; i < len(mulaw); i += FrameBytes {
		end := i + FrameBytes
		if end <= len(mulaw) {
			out = append(out, mulaw[i:end])
			continue
		}
		f := make([]byte, FrameBytes)
		copy(f, mulaw[i:])
		for j := len(mulaw) - i; j < FrameBytes; j++ {
			f[j] = 0xFF
		}
		out = append(out, f)
	}
	return out
}

// EncodeWAV wraps mono 16-bit PCM in a RIFF/WAVE container.
func EncodeWAV(pcm []int16, rate int) []byte {
	data := SamplesToBytes(pcm)
	var buf bytes.Buffer
	buf.Grow(44 + len(data))

	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	buf.WriteString("RIFF")
	w(uint32(36 + len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	w(uint32(16))
	w(uint16(1)) // PCM
	w(uint16(1)) // mono
	w(uint32(rate))
	w(uint32(rate * 2))
	w(uint16(2))
	w(uint16(16))
	buf.WriteString("data")
	w(uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}
