package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	out, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"event_id": "evt-1"})
	if err := q.Publish(ctx, Message{Type: "scan", Body: body}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-out:
		if msg.Type != "scan" {
			t.Errorf("type = %q, want scan", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("message never delivered")
	}

	cancel()
	if _, ok := <-out; ok {
		t.Errorf("channel should close on cancellation")
	}
}

func TestInMemoryPublishHonorsCancel(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	_ = q.Publish(ctx, Message{Type: "scan"})
	cancel()
	if err := q.Publish(ctx, Message{Type: "scan"}); err == nil {
		t.Errorf("full queue with cancelled context should fail")
	}
}
