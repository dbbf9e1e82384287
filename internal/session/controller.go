package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campusattend/internal/event"
	"campusattend/internal/geo"
	"campusattend/internal/token"
)

// ErrSessionExpired is returned when a scan arrives for a stopped or
// expired session.
var ErrSessionExpired = errors.New("attendance session expired")

// ErrLocationRequired is returned when the event has a geofence but the
// scan carried no position.
var ErrLocationRequired = errors.New("location required for this event")

// PersistenceError wraps a store read/write failure. The controller never
// assumes such a write succeeded; displayed state is only updated after an
// acknowledged write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is the persistence collaborator the controller requires.
type Store interface {
	GetEvent(ctx context.Context, id string) (event.Event, error)
	UpdateSession(ctx context.Context, id string, patch event.SessionPatch, expectedRevision int64) error
	AppendRecord(ctx context.Context, rec event.Record) (event.Record, error)
}

// Controller orchestrates token issuance and the Active/Expired session
// state machine. It holds no durable state: every observation recomputes
// from what the store currently reports.
type Controller struct {
	store  Store
	issuer *token.Issuer
	cache  *token.Cache
	now    func() time.Time
}

// NewController creates a controller.
func NewController(store Store, issuer *token.Issuer) *Controller {
	return &Controller{
		store:  store,
		issuer: issuer,
		cache:  token.NewCache(),
		now:    time.Now,
	}
}

// View is one observation of a session: current event, derived state, and
// the token that would be rendered right now.
type View struct {
	Event     event.Event
	State     event.SessionState
	Remaining time.Duration
	Token     token.Token
}

// Show renders the current token for an event. Re-rendering without a
// state change returns the cached token, so the scannable code is stable
// across reads.
func (c *Controller) Show(ctx context.Context, eventID string) (View, error) {
	evt, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, event.ErrNotFound) {
			return View{}, err
		}
		return View{}, &PersistenceError{Op: "get event", Err: err}
	}
	tok, err := c.cache.Current(evt, c.issuer)
	if err != nil {
		return View{}, err
	}
	now := c.now()
	remaining := evt.Remaining(now)
	if evt.QRExpiration == nil && evt.IsActive {
		// Default-policy token: the countdown tracks the token's own expiry.
		if d := tok.ExpiresAt.Sub(now); d > 0 {
			remaining = d
		}
	}
	return View{Event: evt, State: evt.State(now), Remaining: remaining, Token: tok}, nil
}

// Stop ends attendance for an event immediately: is_active=false and
// qr_expiration=now. The transition is irreversible without re-issuance.
// Nothing local changes until the store acknowledges the write.
func (c *Controller) Stop(ctx context.Context, eventID string) error {
	evt, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, event.ErrNotFound) {
			return err
		}
		return &PersistenceError{Op: "get event", Err: err}
	}
	inactive := false
	now := c.now().UTC()
	patch := event.SessionPatch{IsActive: &inactive, QRExpiration: &now}
	if err := c.store.UpdateSession(ctx, eventID, patch, evt.Revision); err != nil {
		if errors.Is(err, event.ErrNotFound) || errors.Is(err, event.ErrRevisionConflict) {
			return err
		}
		return &PersistenceError{Op: "stop attendance", Err: err}
	}
	c.cache.Invalidate(eventID)
	return nil
}

// SetManualExpiration validates the new expiration, persists it together
// with is_active=true, and re-issues the token. A failed write leaves the
// previously displayed token untouched.
func (c *Controller) SetManualExpiration(ctx context.Context, eventID, expiration string) (View, error) {
	evt, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, event.ErrNotFound) {
			return View{}, err
		}
		return View{}, &PersistenceError{Op: "get event", Err: err}
	}

	tok, err := c.issuer.Issue(evt, expiration)
	if err != nil {
		return View{}, err
	}

	active := true
	exp := tok.ExpiresAt
	patch := event.SessionPatch{IsActive: &active, QRExpiration: &exp}
	if err := c.store.UpdateSession(ctx, eventID, patch, evt.Revision); err != nil {
		if errors.Is(err, event.ErrNotFound) || errors.Is(err, event.ErrRevisionConflict) {
			return View{}, err
		}
		return View{}, &PersistenceError{Op: "set expiration", Err: err}
	}

	evt.IsActive = true
	evt.QRExpiration = &exp
	evt.Revision++
	c.cache.Put(evt, tok)
	now := c.now()
	return View{Event: evt, State: evt.State(now), Remaining: evt.Remaining(now), Token: tok}, nil
}

// ClearManualExpiration removes the expiration override. It does not touch
// is_active: a stopped session stays stopped until a new expiration is set.
func (c *Controller) ClearManualExpiration(ctx context.Context, eventID string) error {
	evt, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, event.ErrNotFound) {
			return err
		}
		return &PersistenceError{Op: "get event", Err: err}
	}
	patch := event.SessionPatch{ClearExpiration: true}
	if err := c.store.UpdateSession(ctx, eventID, patch, evt.Revision); err != nil {
		if errors.Is(err, event.ErrNotFound) || errors.Is(err, event.ErrRevisionConflict) {
			return err
		}
		return &PersistenceError{Op: "clear expiration", Err: err}
	}
	c.cache.Invalidate(eventID)
	return nil
}

// Scan is one attendance submission from a scanning client.
type Scan struct {
	StudentID      string
	StudentName    string
	YearLevel      string
	Block          string
	Course         string
	Gender         string
	Position       *geo.Point
	AccuracyMeters *float64
}

// RecordScan verifies a scan against the event's session state and
// geofence, then appends an attendance record. Events without a geofence
// skip location verification entirely; events with one require a position.
func (c *Controller) RecordScan(ctx context.Context, eventID string, scan Scan) (event.Record, error) {
	evt, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, event.ErrNotFound) {
			return event.Record{}, err
		}
		return event.Record{}, &PersistenceError{Op: "get event", Err: err}
	}
	if evt.State(c.now()) != event.StateActive {
		return event.Record{}, ErrSessionExpired
	}

	rec := event.Record{
		EventID:     eventID,
		StudentID:   scan.StudentID,
		StudentName: scan.StudentName,
		YearLevel:   scan.YearLevel,
		Block:       scan.Block,
		Course:      scan.Course,
		Gender:      scan.Gender,
		Timestamp:   c.now().UTC(),
	}

	if evt.Geofence != nil {
		if scan.Position == nil {
			return event.Record{}, ErrLocationRequired
		}
		res, err := geo.Evaluate(*scan.Position, *evt.Geofence)
		if err != nil {
			return event.Record{}, err
		}
		rec.Location = &event.RecordLocation{
			Latitude:       scan.Position.Latitude,
			Longitude:      scan.Position.Longitude,
			WithinRadius:   res.WithinRadius,
			DistanceMeters: res.DistanceMeters,
			AccuracyMeters: scan.AccuracyMeters,
		}
	}

	saved, err := c.store.AppendRecord(ctx, rec)
	if err != nil {
		return event.Record{}, &PersistenceError{Op: "append record", Err: err}
	}
	return saved, nil
}
