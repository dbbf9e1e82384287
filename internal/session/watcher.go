package session

import (
	"context"
	"sync"
	"time"

	"campusattend/internal/event"
)

// maxTick caps the countdown granularity at one second so the displayed
// remaining time and the Active/Expired flip never lag the wall clock by
// more than a tick.
const maxTick = time.Second

// Observation is one recomputation of a watched session.
type Observation struct {
	EventID    string
	State      event.SessionState
	Remaining  time.Duration
	ObservedAt time.Time
}

// Watch observes one event's session while its token is displayed. It
// emits an Observation at most every tick (clamped to 1s) and re-reads the
// event from the store whenever changes signals a write. The goroutine and
// ticker are released when ctx is cancelled; every exit path of the caller
// must cancel, so the watch is scoped to "token on screen".
//
// changes may be nil when no live subscription exists; the watch then
// degrades to pure polling of the wall clock against the last-read record.
func (c *Controller) Watch(ctx context.Context, eventID string, changes <-chan struct{}, tick time.Duration) (<-chan Observation, error) {
	evt, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, &PersistenceError{Op: "get event", Err: err}
	}
	if tick <= 0 || tick > maxTick {
		tick = maxTick
	}

	out := make(chan Observation, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		emit := func() {
			now := c.now()
			obs := Observation{
				EventID:    eventID,
				State:      evt.State(now),
				Remaining:  evt.Remaining(now),
				ObservedAt: now,
			}
			select {
			case out <- obs:
			case <-ctx.Done():
			}
		}

		emit()
		for {
			select {
			case <-ticker.C:
				emit()
			case _, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				fresh, err := c.store.GetEvent(ctx, eventID)
				if err != nil {
					// Stale record until the next signal or caller retry.
					continue
				}
				evt = fresh
				emit()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Selection tracks which event is currently displayed so that results of
// in-flight asynchronous work (a location fix, a slow read) are discarded
// when they arrive for a no-longer-selected session.
type Selection struct {
	mu sync.Mutex
	id string
}

// Select marks an event as the current one.
func (s *Selection) Select(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = eventID
}

// Clear drops the current selection.
func (s *Selection) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
}

// Current returns true when eventID is still the selected session.
func (s *Selection) Current(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id == eventID
}
