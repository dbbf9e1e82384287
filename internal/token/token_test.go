package token

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"campusattend/internal/event"
	"campusattend/internal/geo"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
}

func sampleEvent() event.Event {
	return event.Event{
		ID:       "evt-1",
		Title:    "Orientation",
		IsActive: true,
		Geofence: &geo.Geofence{Latitude: 14.5995, Longitude: 120.9842, Radius: 100},
	}
}

func TestIssueDefaultExpiration(t *testing.T) {
	iss := NewIssuerAt(fixedNow)
	tok, err := iss.Issue(sampleEvent(), "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok.ManualExpiration {
		t.Errorf("default policy should not be flagged manual")
	}
	want := fixedNow().Add(24 * time.Hour)
	if d := tok.ExpiresAt.Sub(want); d < -time.Second || d > time.Second {
		t.Errorf("expiresAt = %v, want %v", tok.ExpiresAt, want)
	}
	if !tok.GeneratedAt.Equal(fixedNow()) {
		t.Errorf("generatedAt = %v, want %v", tok.GeneratedAt, fixedNow())
	}
}

func TestIssueManualExpiration(t *testing.T) {
	iss := NewIssuerAt(fixedNow)
	exp := fixedNow().Add(2 * time.Hour)

	tok, err := iss.Issue(sampleEvent(), exp.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !tok.ManualExpiration {
		t.Errorf("manual expiration should be flagged")
	}
	if !tok.ExpiresAt.Equal(exp) {
		t.Errorf("expiresAt = %v, want %v", tok.ExpiresAt, exp)
	}
}

func TestIssueRejectsBadManualExpiration(t *testing.T) {
	iss := NewIssuerAt(fixedNow)
	tests := []struct {
		name  string
		value string
	}{
		{"unparseable", "not-a-date"},
		{"past", fixedNow().Add(-time.Hour).Format(time.RFC3339)},
		{"exactly now", fixedNow().Format(time.RFC3339)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := iss.Issue(sampleEvent(), tt.value); !errors.Is(err, ErrInvalidExpiration) {
				t.Errorf("got %v, want ErrInvalidExpiration", err)
			}
		})
	}
}

func TestIssueReusesStoredExpiration(t *testing.T) {
	iss := NewIssuerAt(fixedNow)
	stored := fixedNow().Add(3 * time.Hour)
	evt := sampleEvent()
	evt.QRExpiration = &stored

	tok, err := iss.Issue(evt, "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !tok.ManualExpiration {
		t.Errorf("stored expiration should be flagged manual")
	}
	if !tok.ExpiresAt.Equal(stored) {
		t.Errorf("expiresAt = %v, want stored %v", tok.ExpiresAt, stored)
	}
}

func TestIssueCopiesGeofenceByValue(t *testing.T) {
	iss := NewIssuerAt(fixedNow)
	evt := sampleEvent()
	tok, err := iss.Issue(evt, "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	evt.Geofence.Radius = 9999
	if tok.Geofence.Radius != 100 {
		t.Errorf("token geofence should be a copy, got radius %v", tok.Geofence.Radius)
	}
}

func TestIssueRejectsInvalidGeofence(t *testing.T) {
	iss := NewIssuerAt(fixedNow)
	evt := sampleEvent()
	evt.Geofence = &geo.Geofence{Latitude: 200, Longitude: 0, Radius: 50}
	if _, err := iss.Issue(evt, ""); !errors.Is(err, geo.ErrInvalidCoordinates) {
		t.Errorf("got %v, want ErrInvalidCoordinates", err)
	}
}

func TestPayloadContract(t *testing.T) {
	iss := NewIssuerAt(fixedNow)
	tok, err := iss.Issue(sampleEvent(), "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	data, err := Encode(tok)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, field := range []string{"type", "eventId", "eventTitle", "generatedAt", "expiresAt", "usesManualExpiration", "eventLocation"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("payload missing field %q", field)
		}
	}
	if raw["type"] != "attendance" {
		t.Errorf("type = %v, want attendance", raw["type"])
	}

	p, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	back := p.Token()
	if back.EventID != tok.EventID || !back.ExpiresAt.Equal(tok.ExpiresAt) || back.Geofence == nil {
		t.Errorf("round trip mismatch: %+v vs %+v", back, tok)
	}
}

func TestDecodeRejectsForeignType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"ticket","eventId":"x"}`)); err == nil {
		t.Errorf("expected error for non-attendance payload")
	}
}

func TestSignerRoundTrip(t *testing.T) {
	iss := NewIssuerAt(time.Now) // real clock so the JWT is not expired
	tok, err := iss.Issue(sampleEvent(), "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	signer := NewSigner("test-signing-key", "campusattend")
	signed, err := signer.Sign(tok)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	p, err := signer.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.EventID != tok.EventID || p.EventLocation == nil {
		t.Errorf("verified payload mismatch: %+v", p)
	}

	other := NewSigner("different-key", "campusattend")
	if _, err := other.Verify(signed); err == nil {
		t.Errorf("expected verification failure with wrong key")
	}
}

func TestCacheStableAcrossRenders(t *testing.T) {
	iss := NewIssuerAt(time.Now)
	cache := NewCache()
	evt := sampleEvent()

	first, err := cache.Current(evt, iss)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	second, err := cache.Current(evt, iss)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if !first.ExpiresAt.Equal(second.ExpiresAt) || !first.GeneratedAt.Equal(second.GeneratedAt) {
		t.Errorf("re-render without state change must reuse the token")
	}

	// A changed expiration supersedes the cached token.
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	evt.QRExpiration = &exp
	third, err := cache.Current(evt, iss)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if third.ExpiresAt.Equal(first.ExpiresAt) {
		t.Errorf("changed expiration must produce a new token")
	}
	if !third.ExpiresAt.Equal(exp) {
		t.Errorf("expiresAt = %v, want %v", third.ExpiresAt, exp)
	}
}
