package audio

import (
	"math"
	"testing"
)

func TestMeterInstantRMS(t *testing.T) {
	var m meter
	m.observe([]float32{0.5, -0.5, 0.5, -0.5})

	level := m.tick()
	if math.Abs(level.Instant-0.5) > 1e-6 {
		t.Fatalf("expected instant 0.5, got %f", level.Instant)
	}
	if level.Clip {
		t.Fatal("did not expect clip flag")
	}
}

func TestMeterEmptyWindowIsSilence(t *testing.T) {
	var m meter
	level := m.tick()
	if level.Instant != 0 {
		t.Fatalf("expected silence, got %f", level.Instant)
	}
}

func TestMeterSlowDecay(t *testing.T) {
	var m meter
	m.observe([]float32{0.8, 0.8, 0.8, 0.8})
	first := m.tick()

	want := 0.05 * first.Instant
	if math.Abs(first.Slow-want) > 1e-6 {
		t.Fatalf("expected slow %f after first tick, got %f", want, first.Slow)
	}

	// A silent tick decays the trailing average by the 0.95 factor.
	second := m.tick()
	if math.Abs(second.Slow-0.95*first.Slow) > 1e-6 {
		t.Fatalf("expected slow to decay to %f, got %f", 0.95*first.Slow, second.Slow)
	}
}

func TestMeterClipDetection(t *testing.T) {
	var m meter

	// Five saturated samples are still below the clip threshold.
	m.observe([]float32{0.99, 0.99, 0.99, 0.99, 0.99})
	if level := m.tick(); level.Clip {
		t.Fatal("five saturated samples should not flag clip")
	}

	m.observe([]float32{0.99, -0.99, 0.99, -0.99, 0.99, -0.99})
	if level := m.tick(); !level.Clip {
		t.Fatal("expected clip flag with six saturated samples")
	}
}

func TestMeterReset(t *testing.T) {
	var m meter
	m.observe([]float32{0.9})
	m.tick()
	m.reset()

	level := m.tick()
	if level.Instant != 0 || level.Slow != 0 {
		t.Fatalf("expected reset meter to read silence, got %+v", level)
	}
}
