package audio

import (
	"encoding/binary"
	"math"
)

// ClampGain bounds a requested gain to the supported [0, 2] range.
func ClampGain(gain float64) float64 {
	if gain < 0 {
		return 0
	}
	if gain > 2 {
		return 2
	}
	return gain
}

// ApplyGain scales samples in place, clamping the result to [-1, 1].
func ApplyGain(samples []float32, gain float64) {
	g := float32(ClampGain(gain))
	for i, s := range samples {
		v := s * g
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = v
	}
}

// EncodePCM converts float samples in [-1, 1] to signed 16-bit little-endian
// PCM. Out-of-range inputs are clamped before conversion so they cannot
// overflow: 1.0 maps to 0x7FFF and -1.0 to -0x8000.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodeF32 reinterprets a raw capture buffer as little-endian float32 samples.
func DecodeF32(raw []byte) []float32 {
	n := len(raw) / 4
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}
