package event

import (
	"testing"
	"time"
)

func TestStateDerivation(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		evt  Event
		want SessionState
	}{
		{"active, no expiration", Event{IsActive: true}, StateActive},
		{"active, future expiration", Event{IsActive: true, QRExpiration: &future}, StateActive},
		{"active, past expiration", Event{IsActive: true, QRExpiration: &past}, StateExpired},
		{"active, expiration exactly now", Event{IsActive: true, QRExpiration: &now}, StateExpired},
		{"stopped, future expiration", Event{IsActive: false, QRExpiration: &future}, StateExpired},
		{"stopped, no expiration", Event{IsActive: false}, StateExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.evt.State(now); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemaining(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	future := now.Add(90 * time.Second)
	past := now.Add(-time.Minute)

	tests := []struct {
		name string
		evt  Event
		want time.Duration
	}{
		{"future expiration", Event{IsActive: true, QRExpiration: &future}, 90 * time.Second},
		{"past expiration clamps to zero", Event{IsActive: true, QRExpiration: &past}, 0},
		{"no expiration", Event{IsActive: true}, 0},
		{"stopped session", Event{IsActive: false, QRExpiration: &future}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.evt.Remaining(now); got != tt.want {
				t.Errorf("Remaining() = %v, want %v", got, tt.want)
			}
		})
	}
}
