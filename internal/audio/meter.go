package audio

import (
	"math"

	"github.com/verbyflow/verbyflow-core/internal/protocol"
)

const (
	// slowDecay is the per-tick smoothing factor for the trailing average.
	slowDecay = 0.95

	// clipThreshold marks a sample as near saturation.
	clipThreshold = 0.95

	// clipCount is how many saturated samples within one tick flag clipping.
	clipCount = 5
)

// meter computes loudness measurements over the samples captured since the
// previous tick. Metering is independent of frame transmission so UI feedback
// keeps working even when frames are not being sent.
type meter struct {
	window []float32
	slow   float64
}

func (m *meter) observe(samples []float32) {
	m.window = append(m.window, samples...)
}

// tick consumes the accumulated window and produces the level for this
// sampling interval. An empty window reads as silence.
func (m *meter) tick() protocol.AudioLevel {
	var sum float64
	clipped := 0
	for _, s := range m.window {
		v := float64(s)
		sum += v * v
		if math.Abs(v) > clipThreshold {
			clipped++
		}
	}

	instant := 0.0
	if len(m.window) > 0 {
		instant = math.Sqrt(sum / float64(len(m.window)))
	}
	if instant > 1 {
		instant = 1
	}
	m.slow = slowDecay*m.slow + (1-slowDecay)*instant
	m.window = m.window[:0]

	return protocol.AudioLevel{
		Instant: instant,
		Slow:    m.slow,
		Clip:    clipped > clipCount,
	}
}

func (m *meter) reset() {
	m.window = m.window[:0]
	m.slow = 0
}
