// Package vad implements energy-gated voice activity detection with
// hysteresis, plus a smoothed level meter for UI telemetry. Both are
// grounded in the relay's per-frame admission loop and are deliberately
// dependency-free numeric code: no third-party DSP library in the corpus
// covers this narrow a primitive.
package vad

import "github.com/lokutor-ai/interview-coach/pkg/audioutil"

// State is the VAD's hysteresis state.
type State string

const (
	StateSilence   State = "silence"
	StateUncertain State = "uncertain"
	StateSpeech    State = "speech"
)

// Config tunes the detector. Zero-value fields are replaced by
// DefaultConfig's defaults in NewDetector.
type Config struct {
	EnergyThreshold  float64
	SilenceFrames    int
	SpeechFrames     int
	FrameSize        int
	SmoothingFactor  float64
}

// DefaultConfig matches the spec's standalone defaults (0.01 threshold;
// relay construction overrides EnergyThreshold to 0.008).
func DefaultConfig() Config {
	return Config{
		EnergyThreshold: 0.01,
		SilenceFrames:   30,
		SpeechFrames:    3,
		FrameSize:       480,
		SmoothingFactor: 0.3,
	}
}

// Result is what Detector.Process returns for a single frame.
type Result struct {
	State    State
	Energy   float64
	IsSpeech bool
}

// Detector is an energy-gated VAD with separate attack/release frame
// counts over a smoothed energy envelope, so a single noisy frame cannot
// flip the state.
type Detector struct {
	cfg Config

	smoothedEnergy float64
	silentCount    int
	speechCount    int
	state          State
}

// NewDetector builds a Detector, filling zero fields from DefaultConfig.
func NewDetector(cfg Config) *Detector {
	d := DefaultConfig()
	if cfg.EnergyThreshold != 0 {
		d.EnergyThreshold = cfg.EnergyThreshold
	}
	if cfg.SilenceFrames != 0 {
		d.SilenceFrames = cfg.SilenceFrames
	}
	if cfg.SpeechFrames != 0 {
		d.SpeechFrames = cfg.SpeechFrames
	}
	if cfg.FrameSize != 0 {
		d.FrameSize = cfg.FrameSize
	}
	if cfg.SmoothingFactor != 0 {
		d.SmoothingFactor = cfg.SmoothingFactor
	}
	return &Detector{cfg: d, state: StateSilence}
}

// Process runs the per-frame algorithm over a PCM16 LE frame.
func (d *Detector) Process(frame []byte) Result {
	e := audioutil.RMS(frame)
	d.smoothedEnergy = d.cfg.SmoothingFactor*e + (1-d.cfg.SmoothingFactor)*d.smoothedEnergy

	if d.smoothedEnergy > d.cfg.EnergyThreshold {
		d.speechCount++
		d.silentCount = 0
	} else {
		d.silentCount++
		d.speechCount = 0
	}

	switch d.state {
	case StateSpeech:
		if d.silentCount >= d.cfg.SilenceFrames {
			d.state = StateSilence
		}
	default: // silence, uncertain
		switch {
		case d.speechCount >= d.cfg.SpeechFrames:
			d.state = StateSpeech
		case d.speechCount > 0:
			d.state = StateUncertain
		default:
			d.state = StateSilence
		}
	}

	return Result{
		State:    d.state,
		Energy:   d.smoothedEnergy,
		IsSpeech: d.state == StateSpeech,
	}
}

// Reset zeros counters, energy and state. The relay calls it when it
// closes; a turn commit does not reset the detector.
func (d *Detector) Reset() {
	d.smoothedEnergy = 0
	d.silentCount = 0
	d.speechCount = 0
	d.state = StateSilence
}

// State returns the detector's current state without processing a frame.
func (d *Detector) State() State {
	return d.state
}
