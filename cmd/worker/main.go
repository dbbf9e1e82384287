package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"campusattend/internal/config"
	"campusattend/internal/event"
	"campusattend/internal/queue"
	"campusattend/internal/store"
)

const statsKeyPrefix = "attendance:stats:"

// Worker consumes recorded scans and maintains per-event attendance
// counters in Redis for dashboards: total scans, within/outside radius,
// unverified (no geofence).
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	if !redisClient.Healthy(ctx) {
		log.Printf("WARNING: redis not reachable at %s", cfg.RedisAddr)
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:scans")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for scans...")
	for msg := range messages {
		if msg.Type != "scan" {
			continue
		}

		var rec event.Record
		if err := json.Unmarshal(msg.Body, &rec); err != nil {
			log.Printf("malformed scan message: %v", err)
			continue
		}

		field := "unverified"
		if rec.Location != nil {
			if rec.Location.WithinRadius {
				field = "within_radius"
			} else {
				field = "outside_radius"
			}
		}

		key := statsKeyPrefix + rec.EventID
		pipe := redisClient.Client.Pipeline()
		pipe.HIncrBy(ctx, key, "total", 1)
		pipe.HIncrBy(ctx, key, field, 1)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("stats update failed for event %s: %v", rec.EventID, err)
			continue
		}
		log.Printf("event %s: recorded %s scan for %s", rec.EventID, field, rec.StudentID)
	}

	log.Println("worker stopped")
}
