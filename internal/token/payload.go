package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campusattend/internal/geo"
)

// PayloadType tags the scannable payload so scanners can reject codes that
// are not attendance codes.
const PayloadType = "attendance"

// Location mirrors the geofence inside the wire payload.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Radius    float64 `json:"radius"`
}

// Payload is the JSON contract encoded into the scannable code.
type Payload struct {
	Type                 string    `json:"type"`
	EventID              string    `json:"eventId"`
	EventTitle           string    `json:"eventTitle"`
	GeneratedAt          time.Time `json:"generatedAt"`
	ExpiresAt            time.Time `json:"expiresAt"`
	UsesManualExpiration bool      `json:"usesManualExpiration"`
	EventLocation        *Location `json:"eventLocation,omitempty"`
}

// NewPayload converts a token to its wire form.
func NewPayload(t Token) Payload {
	p := Payload{
		Type:                 PayloadType,
		EventID:              t.EventID,
		EventTitle:           t.EventTitle,
		GeneratedAt:          t.GeneratedAt,
		ExpiresAt:            t.ExpiresAt,
		UsesManualExpiration: t.ManualExpiration,
	}
	if t.Geofence != nil {
		p.EventLocation = &Location{
			Latitude:  t.Geofence.Latitude,
			Longitude: t.Geofence.Longitude,
			Radius:    t.Geofence.Radius,
		}
	}
	return p
}

// Token converts a decoded payload back to a token value.
func (p Payload) Token() Token {
	t := Token{
		EventID:          p.EventID,
		EventTitle:       p.EventTitle,
		GeneratedAt:      p.GeneratedAt,
		ExpiresAt:        p.ExpiresAt,
		ManualExpiration: p.UsesManualExpiration,
	}
	if p.EventLocation != nil {
		t.Geofence = &geo.Geofence{
			Latitude:  p.EventLocation.Latitude,
			Longitude: p.EventLocation.Longitude,
			Radius:    p.EventLocation.Radius,
		}
	}
	return t
}

// Encode serializes the payload as compact JSON.
func Encode(t Token) ([]byte, error) {
	return json.Marshal(NewPayload(t))
}

// Decode parses a plain JSON payload and checks the type tag.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.Type != PayloadType {
		return Payload{}, fmt.Errorf("decode payload: unexpected type %q", p.Type)
	}
	return p, nil
}

type signedClaims struct {
	Payload
	jwt.RegisteredClaims
}

// Signer signs token payloads with HS256 so a trusted verifier can reject
// forged or altered codes.
type Signer struct {
	key    []byte
	issuer string
}

// NewSigner creates a signer.
func NewSigner(key, issuer string) *Signer {
	return &Signer{key: []byte(key), issuer: issuer}
}

// Sign produces a compact JWT whose claims carry the payload. exp and iat
// mirror the token's expiresAt and generatedAt.
func (s *Signer) Sign(t Token) (string, error) {
	claims := signedClaims{
		Payload: NewPayload(t),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   t.EventID,
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(t.GeneratedAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify validates a signed payload. Expired tokens fail jwt validation
// before the payload is inspected.
func (s *Signer) Verify(signed string) (Payload, error) {
	parsed, err := jwt.ParseWithClaims(signed, &signedClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	})
	if err != nil {
		return Payload{}, err
	}
	claims, ok := parsed.Claims.(*signedClaims)
	if !ok || !parsed.Valid {
		return Payload{}, errors.New("invalid attendance token")
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return Payload{}, errors.New("issuer mismatch")
	}
	if claims.Type != PayloadType {
		return Payload{}, fmt.Errorf("unexpected payload type %q", claims.Type)
	}
	return claims.Payload, nil
}
