package token

import (
	"fmt"
	"sync"

	"campusattend/internal/event"
)

// Cache memoizes the currently rendered token per event so that re-renders
// within an unchanged session state reuse the same token instead of
// shifting generatedAt (and, under the default policy, expiresAt) on every
// read. A changed expiration or geofence supersedes the cached token.
type Cache struct {
	mu      sync.Mutex
	byEvent map[string]cached
}

type cached struct {
	key string
	tok Token
}

// NewCache creates an empty render cache.
func NewCache() *Cache {
	return &Cache{byEvent: make(map[string]cached)}
}

// renderKey captures the inputs whose change invalidates the cached token:
// event id, stored expiration, and geofence.
func renderKey(evt event.Event) string {
	key := evt.ID
	if evt.QRExpiration != nil {
		key += fmt.Sprintf("|exp=%d", evt.QRExpiration.UnixNano())
	} else {
		key += "|exp=default"
	}
	if evt.Geofence != nil {
		key += fmt.Sprintf("|fence=%v,%v,%v", evt.Geofence.Latitude, evt.Geofence.Longitude, evt.Geofence.Radius)
	}
	return key
}

// Current returns the cached token for evt, issuing a fresh one only when
// the session inputs changed since the last render.
func (c *Cache) Current(evt event.Event, issuer *Issuer) (Token, error) {
	key := renderKey(evt)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byEvent[evt.ID]; ok && e.key == key {
		return e.tok, nil
	}
	tok, err := issuer.Issue(evt, "")
	if err != nil {
		return Token{}, err
	}
	c.byEvent[evt.ID] = cached{key: key, tok: tok}
	return tok, nil
}

// Put stores an explicitly issued token (manual expiration path) as the
// current render for its event.
func (c *Cache) Put(evt event.Event, tok Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byEvent[evt.ID] = cached{key: renderKey(evt), tok: tok}
}

// Invalidate drops the cached token for an event.
func (c *Cache) Invalidate(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byEvent, eventID)
}
