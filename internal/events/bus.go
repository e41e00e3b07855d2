// Package events distributes job-enqueued notifications over Redis
// Pub/Sub so idle workers wake immediately instead of waiting out their
// poll interval.
//
// The bus is advisory only: the jobs table stays authoritative, a missed
// notification just means the next poll picks the job up, and a spurious
// one means a claim that finds nothing.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const jobEnqueuedChannel = "faturaops:jobs:enqueued"

// JobEnqueued is the notification payload.
type JobEnqueued struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	InvoiceRef string    `json:"invoice_ref"`
	Kind       string    `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
}

// Bus publishes and subscribes job notifications over one Redis client.
type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewBus(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb, logger: slog.Default().With("component", "job_event_bus")}
}

// PublishEnqueued fans the notification out to all worker processes.
// Publish failures are logged and dropped: workers still poll.
func (b *Bus) PublishEnqueued(ctx context.Context, jobID, invoiceRef, kind string) {
	evt := JobEnqueued{
		ID:         uuid.New().String(),
		JobID:      jobID,
		InvoiceRef: invoiceRef,
		Kind:       kind,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Warn("marshal job notification failed", "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, jobEnqueuedChannel, data).Err(); err != nil {
		b.logger.Warn("publish job notification failed", "error", err)
	}
}

// Wake returns a channel that ticks once per notification. The
// subscription runs until ctx is cancelled; the channel is buffered and a
// tick is dropped when the worker is already awake.
func (b *Bus) Wake(ctx context.Context) (<-chan struct{}, error) {
	sub := b.rdb.Subscribe(ctx, jobEnqueuedChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", jobEnqueuedChannel, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake, nil
}
