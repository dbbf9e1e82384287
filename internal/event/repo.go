package event

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"campusattend/internal/geo"
)

// ErrNotFound is returned when the event id does not exist.
var ErrNotFound = errors.New("event not found")

// ErrRevisionConflict is returned when a session update lost a race with a
// concurrent writer. Callers re-read and retry or surface the conflict.
var ErrRevisionConflict = errors.New("event revision conflict")

// Repository persists events and attendance records in Postgres.
type Repository struct {
	db     *sql.DB
	notify *Notifier
}

// NewRepository creates a repo. notify may be nil when live subscriptions
// are not needed (worker, tests).
func NewRepository(db *sql.DB, notify *Notifier) *Repository {
	return &Repository{db: db, notify: notify}
}

// GetEvent reads a single event. Defaults for schema-less-era fields are
// applied here, at the read boundary: a NULL is_active means true.
func (r *Repository) GetEvent(ctx context.Context, id string) (Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, location, starts_at,
		       geofence_lat, geofence_lng, geofence_radius_m,
		       qr_expiration, is_active, revision, created_at
		FROM events WHERE id = $1
	`, id)

	var (
		evt      Event
		lat, lng sql.NullFloat64
		radius   sql.NullFloat64
		expires  sql.NullTime
		active   sql.NullBool
	)
	if err := row.Scan(&evt.ID, &evt.Title, &evt.Location, &evt.StartsAt,
		&lat, &lng, &radius, &expires, &active, &evt.Revision, &evt.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("get event: %w", err)
	}

	if lat.Valid && lng.Valid && radius.Valid {
		evt.Geofence = &geo.Geofence{Latitude: lat.Float64, Longitude: lng.Float64, Radius: radius.Float64}
	}
	if expires.Valid {
		t := expires.Time.UTC()
		evt.QRExpiration = &t
	}
	evt.IsActive = true
	if active.Valid {
		evt.IsActive = active.Bool
	}
	return evt, nil
}

// CreateEvent inserts a new event. Used by fixtures and the admin surface.
func (r *Repository) CreateEvent(ctx context.Context, evt Event) (Event, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Geofence != nil {
		if err := geo.ValidateFence(*evt.Geofence); err != nil {
			return Event{}, err
		}
	}
	var lat, lng, radius sql.NullFloat64
	if evt.Geofence != nil {
		lat = sql.NullFloat64{Float64: evt.Geofence.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: evt.Geofence.Longitude, Valid: true}
		radius = sql.NullFloat64{Float64: evt.Geofence.Radius, Valid: true}
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO events (id, title, location, starts_at, geofence_lat, geofence_lng, geofence_radius_m, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE)
		RETURNING revision, created_at
	`, evt.ID, evt.Title, evt.Location, evt.StartsAt, lat, lng, radius)
	if err := row.Scan(&evt.Revision, &evt.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("create event: %w", err)
	}
	evt.IsActive = true
	return evt, nil
}

// UpdateSession applies a partial update of {is_active, qr_expiration} with
// compare-and-swap on revision. The write is acknowledged only when the
// stored revision still matches expectedRevision; a lost race returns
// ErrRevisionConflict and changes nothing.
func (r *Repository) UpdateSession(ctx context.Context, id string, patch SessionPatch, expectedRevision int64) error {
	query := `UPDATE events SET revision = revision + 1`
	args := []any{id, expectedRevision}
	if patch.IsActive != nil {
		args = append(args, *patch.IsActive)
		query += fmt.Sprintf(", is_active = $%d", len(args))
	}
	switch {
	case patch.ClearExpiration:
		query += ", qr_expiration = NULL"
	case patch.QRExpiration != nil:
		args = append(args, patch.QRExpiration.UTC())
		query += fmt.Sprintf(", qr_expiration = $%d", len(args))
	}
	query += ` WHERE id = $1 AND revision = $2`

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		// Either the id is unknown or the revision moved underneath us.
		if _, gerr := r.GetEvent(ctx, id); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrRevisionConflict
	}

	if r.notify != nil {
		r.notify.Publish(ctx, id)
	}
	return nil
}

// AppendRecord inserts one attendance record for an event. Records are
// append-only; there is no update or delete path.
func (r *Repository) AppendRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var (
		lat, lng, dist sql.NullFloat64
		within         sql.NullBool
		accuracy       sql.NullFloat64
	)
	if rec.Location != nil {
		lat = sql.NullFloat64{Float64: rec.Location.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: rec.Location.Longitude, Valid: true}
		dist = sql.NullFloat64{Float64: rec.Location.DistanceMeters, Valid: true}
		within = sql.NullBool{Bool: rec.Location.WithinRadius, Valid: true}
		if rec.Location.AccuracyMeters != nil {
			accuracy = sql.NullFloat64{Float64: *rec.Location.AccuracyMeters, Valid: true}
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, event_id, student_id, student_name, year_level, block, course, gender,
			 recorded_at, loc_lat, loc_lng, loc_within_radius, loc_distance_m, loc_accuracy_m)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, rec.ID, rec.EventID, rec.StudentID, rec.StudentName, rec.YearLevel, rec.Block,
		rec.Course, rec.Gender, rec.Timestamp, lat, lng, within, dist, accuracy)
	if err != nil {
		return Record{}, fmt.Errorf("append record: %w", err)
	}
	return rec, nil
}

// ListRecords returns an event's attendance records, newest first, for
// display pagination only.
func (r *Repository) ListRecords(ctx context.Context, eventID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, student_id, student_name, year_level, block, course, gender,
		       recorded_at, loc_lat, loc_lng, loc_within_radius, loc_distance_m, loc_accuracy_m
		FROM attendance_records
		WHERE event_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2 OFFSET $3
	`, eventID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var (
			rec            Record
			lat, lng, dist sql.NullFloat64
			within         sql.NullBool
			accuracy       sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.StudentID, &rec.StudentName,
			&rec.YearLevel, &rec.Block, &rec.Course, &rec.Gender, &rec.Timestamp,
			&lat, &lng, &within, &dist, &accuracy); err != nil {
			return nil, err
		}
		if lat.Valid && lng.Valid {
			rec.Location = &RecordLocation{
				Latitude:       lat.Float64,
				Longitude:      lng.Float64,
				WithinRadius:   within.Bool,
				DistanceMeters: dist.Float64,
			}
			if accuracy.Valid {
				a := accuracy.Float64
				rec.Location.AccuracyMeters = &a
			}
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
