package backoff

import (
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}

	tests := []struct {
		name    string
		attempt int
		rand    float64
		want    time.Duration
	}{
		{"first attempt no jitter", 1, 0, 100 * time.Millisecond},
		{"second attempt no jitter", 2, 0, 200 * time.Millisecond},
		{"third attempt full jitter", 3, 1, 600 * time.Millisecond},
		{"clamped to max", 10, 0, time.Second},
		{"zero attempt treated as first", 0, 0, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DelayWithRand(policy, tt.attempt, tt.rand); got != tt.want {
				t.Errorf("DelayWithRand(%d, %v) = %v, want %v", tt.attempt, tt.rand, got, tt.want)
			}
		})
	}
}

func TestDelay_WithinBounds(t *testing.T) {
	policy := Policy{Initial: 50 * time.Millisecond, Max: 400 * time.Millisecond, Factor: 2, Jitter: 0.1}
	for attempt := 1; attempt <= 8; attempt++ {
		got := Delay(policy, attempt)
		if got < 50*time.Millisecond || got > 400*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want within [50ms, 400ms]", attempt, got)
		}
	}
}

func TestPolicy_Normalize(t *testing.T) {
	got := Policy{}.Normalize()
	if got != DefaultPolicy() {
		t.Errorf("Normalize() = %+v, want %+v", got, DefaultPolicy())
	}

	custom := Policy{Initial: time.Millisecond, Max: time.Minute, Factor: 3, Jitter: 0}
	if got := custom.Normalize(); got != custom {
		t.Errorf("Normalize() = %+v, want unchanged %+v", got, custom)
	}
}
