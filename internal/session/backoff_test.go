package session

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := &Backoff{Base: 5 * time.Second, Cap: 40 * time.Second}
	prevMax := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		// 20% jitter band around the nominal delay
		if d < time.Duration(float64(5*time.Second)*0.8) {
			t.Fatalf("attempt %d: delay %v below jitter floor", i, d)
		}
		if d > time.Duration(float64(40*time.Second)*1.2) {
			t.Fatalf("attempt %d: delay %v above cap with jitter", i, d)
		}
		if d > prevMax {
			prevMax = d
		}
	}
	if prevMax < 20*time.Second {
		t.Fatalf("delays never grew, max seen %v", prevMax)
	}
}

func TestBackoffReset(t *testing.T) {
	b := &Backoff{Base: time.Second, Cap: time.Minute}
	for i := 0; i < 5; i++ {
		b.Next()
	}
	b.Reset()
	d := b.Next()
	if d > time.Duration(float64(time.Second)*1.2) {
		t.Fatalf("delay after reset %v, want about the base", d)
	}
}
