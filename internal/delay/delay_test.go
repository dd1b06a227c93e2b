package delay

import (
	"context"
	"testing"
	"time"
)

func TestJitterStaysWithinBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := Jitter(base, 20)
		if got < 8*time.Second || got > 12*time.Second {
			t.Fatalf("Jitter(%v, 20) = %v, out of ±20%% bounds", base, got)
		}
	}
}

func TestJitterIgnoresOutOfRangePercent(t *testing.T) {
	base := 5 * time.Second
	if got := Jitter(base, 0); got != base {
		t.Fatalf("Jitter with 0%% = %v, want unchanged base %v", got, base)
	}
	if got := Jitter(base, 150); got != base {
		t.Fatalf("Jitter with >100%% = %v, want unchanged base %v", got, base)
	}
}

func TestLimiterWaitRespectsContextCancellation(t *testing.T) {
	l := NewLimiter(1, 1) // one token per minute, burst 1
	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first Wait should consume the burst token immediately: %v", err)
	}

	ctx2, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx2); err == nil {
		t.Fatalf("second Wait should block past the burst and respect cancellation")
	}
}
