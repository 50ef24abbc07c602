package session

import "outbound-voice/internal/audio"

// DetectorConfig tunes end-of-utterance detection.
type DetectorConfig struct {
	SampleRate        int
	SilenceThreshold  float64 // normalized RMS below which a chunk is silence
	MinUtteranceMs    int
	TrailingSilenceMs int
	MaxUtteranceMs    int
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SampleRate:        16000,
		SilenceThreshold:  0.02,
		MinUtteranceMs:    2000,
		TrailingSilenceMs: 500,
		MaxUtteranceMs:    15000,
	}
}

// Detector buffers caller audio and decides when a turn is complete.
// Leading silence is never buffered.
type Detector struct {
	cfg        DetectorConfig
	buf        []int16
	silenceMs  int
	speechSeen bool
}

func NewDetector(cfg DetectorConfig) *Detector {
	d := DefaultDetectorConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = d.SampleRate
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = d.SilenceThreshold
	}
	if cfg.MinUtteranceMs <= 0 {
		cfg.MinUtteranceMs = d.MinUtteranceMs
	}
	if cfg.TrailingSilenceMs <= 0 {
		cfg.TrailingSilenceMs = d.TrailingSilenceMs
	}
	if cfg.MaxUtteranceMs <= 0 {
		cfg.MaxUtteranceMs = d.MaxUtteranceMs
	}
	return &Detector{cfg: cfg}
}

// Push adds one chunk (normally 20 ms). When a turn completes it returns the
// buffered utterance and resets.
func (d *Detector) Push(chunk []int16) ([]int16, bool) {
	if len(chunk) == 0 {
		return nil, false
	}
	chunkMs := audio.DurationMs(len(chunk), d.cfg.SampleRate)
	silent := audio.RMS(chunk) < d.cfg.SilenceThreshold

	if silent {
		if !d.speechSeen {
			return nil, false
		}
		d.silenceMs += chunkMs
	} else {
		d.speechSeen = true
		d.silenceMs = 0
	}
	d.buf = append(d.buf, chunk...)

	buffered := audio.DurationMs(len(d.buf), d.cfg.SampleRate)
	if buffered >= d.cfg.MinUtteranceMs && d.silenceMs >= d.cfg.TrailingSilenceMs {
		return d.commit(), true
	}
	if buffered >= d.cfg.MaxUtteranceMs {
		return d.commit(), true
	}
	return nil, false
}

// BufferedMs is the length of audio held since speech started.
func (d *Detector) BufferedMs() int {
	return audio.DurationMs(len(d.buf), d.cfg.SampleRate)
}

func (d *Detector) Reset() {
	d.buf = nil
	d.silenceMs = 0
	d.speechSeen = false
}

func (d *Detector) commit() []int16 {
	out := d.buf
	d.Reset()
	return out
}
