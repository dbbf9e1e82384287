package token

import (
	"errors"
	"fmt"
	"time"

	"campusattend/internal/event"
	"campusattend/internal/geo"
)

// DefaultTTL is the expiration applied when no manual expiration exists.
const DefaultTTL = 24 * time.Hour

// ErrInvalidExpiration indicates a manual expiration that is missing,
// unparseable, or not strictly in the future. Callers must not fall back
// silently; the 24h default applies only when no override was requested.
var ErrInvalidExpiration = errors.New("invalid expiration")

// Token is the self-contained attendance token encoded into a scannable
// code. Once issued it is immutable; a changed expiration or geofence on
// the event requires issuing a new token.
type Token struct {
	EventID          string
	EventTitle       string
	GeneratedAt      time.Time
	ExpiresAt        time.Time
	ManualExpiration bool
	Geofence         *geo.Geofence
}

// Issuer builds attendance tokens. Pure: no I/O, no state.
type Issuer struct {
	now func() time.Time
	ttl time.Duration
}

// NewIssuer creates an issuer with the 24h default policy.
func NewIssuer() *Issuer {
	return &Issuer{now: time.Now, ttl: DefaultTTL}
}

// NewIssuerAt creates an issuer with an injected clock, for tests.
func NewIssuerAt(now func() time.Time) *Issuer {
	return &Issuer{now: now, ttl: DefaultTTL}
}

// Issue builds a token for evt. manualExpiration, when non-empty, must be
// an RFC 3339 datetime strictly in the future; otherwise the event's stored
// qr_expiration is reused, and failing that the 24h default applies.
func (i *Issuer) Issue(evt event.Event, manualExpiration string) (Token, error) {
	now := i.now().UTC()
	tok := Token{
		EventID:     evt.ID,
		EventTitle:  evt.Title,
		GeneratedAt: now,
	}
	if evt.Geofence != nil {
		fence := *evt.Geofence // copied by value at generation time
		if err := geo.ValidateFence(fence); err != nil {
			return Token{}, err
		}
		tok.Geofence = &fence
	}

	switch {
	case manualExpiration != "":
		exp, err := time.Parse(time.RFC3339, manualExpiration)
		if err != nil {
			return Token{}, fmt.Errorf("%w: %q is not an RFC 3339 datetime", ErrInvalidExpiration, manualExpiration)
		}
		if !exp.After(now) {
			return Token{}, fmt.Errorf("%w: %s is not in the future", ErrInvalidExpiration, exp.Format(time.RFC3339))
		}
		tok.ExpiresAt = exp.UTC()
		tok.ManualExpiration = true
	case evt.QRExpiration != nil:
		tok.ExpiresAt = evt.QRExpiration.UTC()
		tok.ManualExpiration = true
	default:
		tok.ExpiresAt = now.Add(i.ttl)
	}
	return tok, nil
}
