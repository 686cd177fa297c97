package vad

// LevelMeter smooths instantaneous RMS/peak readings for UI telemetry: an
// attack/release envelope follower plus a decaying peak hold. It has no
// bearing on VAD admission decisions.
type LevelMeter struct {
	alpha            float64
	release          float64
	peakHoldDuration int
	peakDecay        float64

	smoothedLevel float64
	peakLevel     float64
	framesSincePeak int
}

// NewLevelMeter builds a meter with the spec's fixed constants.
func NewLevelMeter() *LevelMeter {
	return &LevelMeter{
		alpha:            0.8,
		release:          0.95,
		peakHoldDuration: 50,
		peakDecay:        0.95,
	}
}

// LevelResult is the smoothed display state after one update.
type LevelResult struct {
	SmoothedLevel float64
	PeakLevel     float64
}

// Update folds one frame's rms/peak into the meter's running state.
func (m *LevelMeter) Update(rms, peak float64) LevelResult {
	if rms > m.smoothedLevel {
		m.smoothedLevel = m.alpha*rms + (1-m.alpha)*m.smoothedLevel
	} else {
		m.smoothedLevel = m.release * m.smoothedLevel
	}

	if peak > m.peakLevel {
		m.peakLevel = peak
		m.framesSincePeak = 0
	} else {
		m.framesSincePeak++
		if m.framesSincePeak >= m.peakHoldDuration {
			m.peakLevel *= m.peakDecay
		}
	}

	return LevelResult{SmoothedLevel: m.smoothedLevel, PeakLevel: m.peakLevel}
}

// Reset zeros the meter's running state.
func (m *LevelMeter) Reset() {
	m.smoothedLevel = 0
	m.peakLevel = 0
	m.framesSincePeak = 0
}
