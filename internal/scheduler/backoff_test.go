package scheduler

import (
	"testing"
	"time"
)

func TestNextDelayDoubles(t *testing.T) {
	base := time.Minute
	max := 15 * time.Minute

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 15 * time.Minute}, // capped
		{10, 15 * time.Minute},
	}

	for _, tt := range tests {
		got := NextDelay(tt.retryCount, base, max, 0)
		if got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	base := time.Minute
	max := 15 * time.Minute
	jitter := 0.25

	for range 100 {
		d := NextDelay(2, base, max, jitter)
		lo := time.Duration(float64(4*time.Minute) * (1 - jitter))
		hi := time.Duration(float64(4*time.Minute) * (1 + jitter))
		if d < lo || d > hi {
			t.Fatalf("NextDelay with jitter = %v, want within [%v, %v]", d, lo, hi)
		}
	}
}

func TestNextDelayZeroBaseFallsBack(t *testing.T) {
	if d := NextDelay(0, 0, 15*time.Minute, 0); d != time.Minute {
		t.Errorf("NextDelay with zero base = %v, want 1m fallback", d)
	}
}
