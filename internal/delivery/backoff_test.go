package delivery

import (
	"testing"
	"time"
)

func TestBackoffBase(t *testing.T) {
	cases := []struct {
		attempt int
		want    float64
	}{
		{0, 10}, {1, 10}, {2, 20}, {3, 40}, {4, 80}, {5, 160}, {6, 320}, {7, 640}, {8, 900}, {20, 900},
	}
	for _, c := range cases {
		if got := backoffBase(c.attempt); got != c.want {
			t.Errorf("backoffBase(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestJitterBound(t *testing.T) {
	if got := jitterBound(10); got != 10.0/3 {
		t.Errorf("jitterBound(10) = %v", got)
	}
	if got := jitterBound(900); got != 30 {
		t.Errorf("jitterBound(900) = %v, want capped at 30", got)
	}
}

func TestRetryDelay_WithinBounds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		base := backoffBase(attempt)
		lo := time.Duration(base * float64(time.Second))
		hi := time.Duration((base + jitterBound(base)) * float64(time.Second))
		for i := 0; i < 50; i++ {
			d := RetryDelay(attempt)
			if d < lo || d > hi {
				t.Fatalf("RetryDelay(%d) = %v, want within [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}
