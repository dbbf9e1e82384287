package event

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "attendance:events:"

// Notifier broadcasts event-change notifications over Redis pub/sub so that
// every process displaying a session re-reads the record when it changes.
type Notifier struct {
	client *redis.Client
}

// NewNotifier wraps a redis client.
func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

// Publish announces that the event's session fields changed. Best-effort:
// a failed publish only delays observers until their next poll tick.
func (n *Notifier) Publish(ctx context.Context, eventID string) {
	if err := n.client.Publish(ctx, channelPrefix+eventID, "changed").Err(); err != nil {
		log.Printf("event notify failed for %s: %v", eventID, err)
	}
}

// Watch subscribes to change notifications for one event. The returned
// channel delivers a signal per change and closes when ctx is cancelled.
func (n *Notifier) Watch(ctx context.Context, eventID string) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := n.client.Subscribe(ctx, channelPrefix+eventID)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default: // observer is mid-refresh, it will re-read anyway
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
