package backoff

import (
	"testing"
	"time"
)

func TestNextDelay(t *testing.T) {
	tests := []struct {
		name     string
		base     time.Duration
		hadError bool
		want     time.Duration
	}{
		{name: "success", base: 5 * time.Second, hadError: false, want: 5 * time.Second},
		{name: "failure doubles", base: 5 * time.Second, hadError: true, want: 10 * time.Second},
		{name: "sub-second", base: 250 * time.Millisecond, hadError: true, want: 500 * time.Millisecond},
		{name: "zero base", base: 0, hadError: true, want: 0},
		{name: "negative base", base: -time.Second, hadError: false, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextDelay(tt.base, tt.hadError); got != tt.want {
				t.Fatalf("NextDelay(%s, %v) = %s; want %s", tt.base, tt.hadError, got, tt.want)
			}
		})
	}
}

func TestNextDelayDoesNotCompound(t *testing.T) {
	base := time.Second
	for i := 0; i < 5; i++ {
		if got := NextDelay(base, true); got != 2*time.Second {
			t.Fatalf("iteration %d: got %s; want 2s", i, got)
		}
	}
}
