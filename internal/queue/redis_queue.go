package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"grading-pipeline/internal/config"
	"grading-pipeline/internal/models"
)

// RedisQueue is the grading job queue: a ready list of JSON tickets with a
// processing list and lease set behind it. Tickets are moved (not popped
// destructively) on dequeue and removed only on Ack, so a worker crash
// mid-grade leaves the ticket reclaimable instead of lost.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	processingKey string
	inflightKey   string
	queuedKey     string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	name := cfg.QueueName
	if name == "" {
		name = "grading_queue"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name,
		processingKey: name + ":processing",
		inflightKey:   name + ":inflight",
		queuedKey:     name + ":queued",
		visibilityTTL: visibility,
	}
}

// Client exposes the underlying Redis client for sharing with the rate limiter.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Enqueue appends a ticket to the tail of the ready list and records its
// submission id in the queued set. Non-blocking; an error means the ticket was
// not durably queued and the caller must unwind its own state.
func (q *RedisQueue) Enqueue(ctx context.Context, ticket models.Ticket) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.readyKey, payload)
	pipe.SAdd(ctx, q.queuedKey, ticket.SubmissionID)
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue blocks until a ticket is available or the timeout elapses. The
// ticket is moved to the processing list and leased for the visibility window.
// A timeout returns ok=false with no error and consumes nothing.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (models.Ticket, bool, error) {
	payload, err := q.client.BRPopLPush(ctx, q.readyKey, q.processingKey, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return models.Ticket{}, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, err
	}

	var ticket models.Ticket
	if err := json.Unmarshal([]byte(payload), &ticket); err != nil {
		// A ticket we cannot decode can never be graded; drop it from
		// processing rather than reclaiming it forever.
		_ = q.client.LRem(ctx, q.processingKey, 1, payload).Err()
		return models.Ticket{}, false, fmt.Errorf("unmarshal ticket: %w", err)
	}

	deadline := time.Now().Add(q.visibilityTTL)
	if err := q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: ticket.SubmissionID,
	}).Err(); err != nil {
		return models.Ticket{}, false, fmt.Errorf("record lease: %w", err)
	}
	return ticket, true, nil
}

// Ack removes a delivered ticket from processing and lease tracking. Called
// only once the result callback has been durably delivered.
func (q *RedisQueue) Ack(ctx context.Context, ticket models.Ticket) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, payload)
	pipe.ZRem(ctx, q.inflightKey, ticket.SubmissionID)
	pipe.SRem(ctx, q.queuedKey, ticket.SubmissionID)
	_, err = pipe.Exec(ctx)
	return err
}

// ExtendLease pushes the visibility deadline forward for an in-flight ticket.
func (q *RedisQueue) ExtendLease(ctx context.Context, submissionID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: submissionID,
	}).Err()
}

// RequeueExpired returns tickets whose lease has lapsed to the ready list and
// reports their submission ids.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	expired := make(map[string]bool, len(ids))
	for _, id := range ids {
		expired[id] = true
	}

	payloads, err := q.client.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var requeued []string
	pipe := q.client.TxPipeline()
	for _, payload := range payloads {
		var ticket models.Ticket
		if err := json.Unmarshal([]byte(payload), &ticket); err != nil {
			continue
		}
		if !expired[ticket.SubmissionID] {
			continue
		}
		pipe.LRem(ctx, q.processingKey, 1, payload)
		pipe.ZRem(ctx, q.inflightKey, ticket.SubmissionID)
		// Pushed at the pop end so reclaimed work is retried promptly.
		pipe.RPush(ctx, q.readyKey, payload)
		requeued = append(requeued, ticket.SubmissionID)
	}
	if len(requeued) == 0 {
		return nil, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return requeued, nil
}

// IsQueued reports whether the submission currently has a ticket in the ready
// or processing lists. Drives the orphan sweep's duplicate check.
func (q *RedisQueue) IsQueued(ctx context.Context, submissionID string) (bool, error) {
	return q.client.SIsMember(ctx, q.queuedKey, submissionID).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}
