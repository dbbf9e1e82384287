package event

import (
	"time"

	"campusattend/internal/geo"
)

// Event is a campus event record as read from the store. Fields that the
// store may omit carry their defaults already applied (see scan code in
// repo.go): a missing is_active means true, a missing qr_expiration means
// no expiration has been set.
type Event struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Location     string        `json:"location"`
	StartsAt     time.Time     `json:"starts_at"`
	Geofence     *geo.Geofence `json:"geofence,omitempty"`
	QRExpiration *time.Time    `json:"qr_expiration,omitempty"`
	IsActive     bool          `json:"is_active"`
	Revision     int64         `json:"revision"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SessionState classifies whether the event's current token may still be
// used to record attendance. It is derived, never stored.
type SessionState string

const (
	StateActive  SessionState = "active"
	StateExpired SessionState = "expired"
)

// State derives the session state from is_active and qr_expiration at the
// given instant.
func (e Event) State(now time.Time) SessionState {
	if !e.IsActive {
		return StateExpired
	}
	if e.QRExpiration != nil && !now.Before(*e.QRExpiration) {
		return StateExpired
	}
	return StateActive
}

// Remaining returns the time left until qr_expiration, zero when expired or
// when no expiration is set.
func (e Event) Remaining(now time.Time) time.Duration {
	if e.QRExpiration == nil || !e.IsActive {
		return 0
	}
	d := e.QRExpiration.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// SessionPatch is a partial update of the session-control fields. A nil
// field is left untouched; ClearExpiration removes qr_expiration.
type SessionPatch struct {
	IsActive        *bool
	QRExpiration    *time.Time
	ClearExpiration bool
}

// RecordLocation is the verdict attached to a scan that carried a position.
type RecordLocation struct {
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	WithinRadius   bool     `json:"is_within_radius"`
	DistanceMeters float64  `json:"distance_meters"`
	AccuracyMeters *float64 `json:"accuracy_meters,omitempty"`
}

// Record is one attendance entry. Records are append-only log entries;
// nothing in this package ever mutates one after insert.
type Record struct {
	ID          string          `json:"id"`
	EventID     string          `json:"event_id"`
	StudentID   string          `json:"student_id"`
	StudentName string          `json:"student_name"`
	YearLevel   string          `json:"year_level,omitempty"`
	Block       string          `json:"block,omitempty"`
	Course      string          `json:"course,omitempty"`
	Gender      string          `json:"gender,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Location    *RecordLocation `json:"location,omitempty"`
}
