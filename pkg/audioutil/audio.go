// Package audioutil implements the bit-exact audio primitives the relay and
// VAD depend on: RMS energy, base64 PCM round-tripping, Int16/Float32
// conversion, linear-interpolation resampling and level measurement.
//
// All functions operate on interleaved mono PCM16 little-endian buffers at a
// nominal 24kHz unless noted otherwise.
package audioutil

import (
	"encoding/base64"
	"math"
)

// BytesToInt16 reinterprets a little-endian PCM16 buffer as samples.
func BytesToInt16(buf []byte) []int16 {
	n := len(buf) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(buf[2*i]) | uint16(buf[2*i+1])<<8)
	}
	return out
}

// Int16ToBytes serializes samples back to little-endian PCM16.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

// RMS computes the root-mean-square energy of a PCM16 LE buffer, normalized
// to [0,1] (sample/32768 before squaring).
func RMS(buf []byte) float64 {
	samples := BytesToInt16(buf)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		n := float64(s) / 32768.0
		sum += n * n
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ToBase64 encodes a byte buffer for the wire.
func ToBase64(buf []byte) string {
	return base64.StdEncoding.EncodeToString(buf)
}

// FromBase64 decodes a wire-encoded byte buffer.
func FromBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Float32ToInt16 clamps each sample to [-1,1] and rounds to the nearest
// int16, mapping negatives by *32768 and non-negatives by *32767.
func Float32ToInt16(buf []float32) []int16 {
	out := make([]int16, len(buf))
	for i, f := range buf {
		if f < -1 {
			f = -1
		} else if f > 1 {
			f = 1
		}
		var scaled float64
		if f < 0 {
			scaled = float64(f) * 32768.0
		} else {
			scaled = float64(f) * 32767.0
		}
		out[i] = int16(math.Round(scaled))
	}
	return out
}

// Int16ToFloat32 divides every sample by 32768.
func Int16ToFloat32(buf []int16) []float32 {
	out := make([]float32, len(buf))
	for i, s := range buf {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Resample performs linear-interpolation sample-rate conversion.
// out[i] = floor(s[k]) + frac*(s[k+1]-s[k]), k = i*from/to, clamped at the
// last source index. Identity when from == to.
func Resample(buf []int16, from, to int) []int16 {
	if from == to || len(buf) == 0 {
		out := make([]int16, len(buf))
		copy(out, buf)
		return out
	}

	ratio := float64(from) / float64(to)
	outLen := int(float64(len(buf)) * float64(to) / float64(from))
	out := make([]int16, outLen)

	lastIdx := len(buf) - 1
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		k := int(math.Floor(pos))
		if k > lastIdx {
			k = lastIdx
		}
		frac := pos - float64(k)

		s0 := float64(buf[k])
		s1 := s0
		if k+1 <= lastIdx {
			s1 = float64(buf[k+1])
		}
		out[i] = int16(math.Floor(s0 + frac*(s1-s0)))
	}
	return out
}

// Quality buckets for Measure, by RMS thresholds.
type Quality string

const (
	QualitySilent   Quality = "silent"
	QualityLow      Quality = "low"
	QualityGood     Quality = "good"
	QualityLoud     Quality = "loud"
	QualityClipping Quality = "clipping"
)

// Level is the result of Measure: instantaneous loudness stats for a chunk.
type Level struct {
	RMS     float64
	Peak    float64
	DBFS    float64
	Quality Quality
}

// Measure computes RMS, peak amplitude, dBFS and a quality bucket for a
// PCM16 LE buffer.
func Measure(buf []byte) Level {
	samples := BytesToInt16(buf)
	rms := RMS(buf)

	var peak float64
	for _, s := range samples {
		n := math.Abs(float64(s) / 32768.0)
		if n > peak {
			peak = n
		}
	}

	dbfs := math.Inf(-1)
	if rms > 0 {
		dbfs = 20 * math.Log10(rms)
	}

	var q Quality
	switch {
	case rms < 0.001:
		q = QualitySilent
	case rms < 0.01:
		q = QualityLow
	case rms < 0.5:
		q = QualityGood
	case rms < 0.9:
		q = QualityLoud
	default:
		q = QualityClipping
	}

	return Level{RMS: rms, Peak: peak, DBFS: dbfs, Quality: q}
}
