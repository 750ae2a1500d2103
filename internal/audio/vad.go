package audio

import (
	"math"
	"time"
)

// UtteranceConfig controls energy-based end-of-utterance detection.
type UtteranceConfig struct {
	SpeechThresholdDB float64
	SilenceTimeout    time.Duration
	MinSpeechDuration time.Duration
}

// DefaultUtteranceConfig returns sensible defaults for telephony audio.
func DefaultUtteranceConfig() UtteranceConfig {
	return UtteranceConfig{
		SpeechThresholdDB: -30,
		SilenceTimeout:    800 * time.Millisecond,
		MinSpeechDuration: 300 * time.Millisecond,
	}
}

// UtteranceDetector watches inbound caller audio and reports when an
// utterance has ended, so buffered input can be committed even if the caller
// never sends an explicit end-of-turn signal. The AI backend runs its own
// voice-activity detection; this is the local fallback.
type UtteranceDetector struct {
	cfg         UtteranceConfig
	speaking    bool
	speechStart time.Time
	lastSpeech  time.Time
}

// NewUtteranceDetector creates a detector with the given config.
func NewUtteranceDetector(cfg UtteranceConfig) *UtteranceDetector {
	return &UtteranceDetector{cfg: cfg}
}

// Observe feeds one chunk of decoded samples. It returns true exactly once
// per utterance, when speech has been followed by SilenceTimeout of silence.
func (d *UtteranceDetector) Observe(samples []float32, now time.Time) bool {
	if energyDB(samples) >= d.cfg.SpeechThresholdDB {
		if !d.speaking {
			d.speaking = true
			d.speechStart = now
		}
		d.lastSpeech = now
		return false
	}

	if !d.speaking || now.Sub(d.lastSpeech) < d.cfg.SilenceTimeout {
		return false
	}

	d.speaking = false
	return d.lastSpeech.Sub(d.speechStart) >= d.cfg.MinSpeechDuration
}

// Reset clears any in-progress utterance state.
func (d *UtteranceDetector) Reset() {
	d.speaking = false
}

func energyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
