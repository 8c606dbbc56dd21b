// Package queue implements the durable job queue protocol on Redis.
//
// A job reference (its ID) occupies exactly one of three locations at any
// instant: the pending list, the processing list, or the delayed sorted set.
// Every move between locations uses an atomic Redis primitive — BLMOVE for
// claims, a Lua script for delayed promotion — so no partial move is possible
// even with multiple worker processes sharing the same keys.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidPayload marks an enqueue request rejected at validation.
	ErrInvalidPayload = errors.New("queue: invalid job payload")

	// ErrCorruptJob marks a claimed reference whose durable record is missing
	// or unparseable. Such jobs are unprocessable, not retryable.
	ErrCorruptJob = errors.New("queue: corrupt job reference")

	// ErrNotFound is returned by Lookup when no record exists for a job ID.
	ErrNotFound = errors.New("queue: job not found")
)

// promoteScript moves every delayed entry whose ready-at score has passed onto
// the tail of the pending list. ZREM and RPUSH happen inside one script
// invocation, so an entry is never duplicated or lost under concurrent
// promoters.
var promoteScript = redis.NewScript(`
local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, ref in ipairs(ready) do
	redis.call('ZREM', KEYS[1], ref)
	redis.call('RPUSH', KEYS[2], ref)
end
return #ready
`)

// Queue is the Redis-backed job queue store.
type Queue struct {
	rdb    redis.UniversalClient
	prefix string
	jobTTL time.Duration
}

// New creates a Queue using rdb. prefix namespaces all keys; jobTTL bounds how
// long an abandoned job record can linger.
func New(rdb redis.UniversalClient, prefix string, jobTTL time.Duration) *Queue {
	return &Queue{rdb: rdb, prefix: prefix, jobTTL: jobTTL}
}

func (q *Queue) pendingKey() string    { return q.prefix + ":queue:pending" }
func (q *Queue) processingKey() string { return q.prefix + ":queue:processing" }
func (q *Queue) delayedKey() string    { return q.prefix + ":queue:delayed" }
func (q *Queue) jobKey(id string) string {
	return q.prefix + ":job:" + id
}

// Ping reports store reachability. Used by the health endpoint.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Enqueue validates p, persists a durable job record, and pushes the job ID
// onto the pending list. Enqueueing a storage key whose record is still live
// returns the existing job ID without a duplicate pending entry.
func (q *Queue) Enqueue(ctx context.Context, p Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	id := JobID(p.StorageKey)
	job := Job{
		ID:         id,
		StorageKey: p.StorageKey,
		TenantID:   p.TenantID,
		Collection: p.Collection,
		CreatedAt:  time.Now().UTC(),
	}
	b, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: marshal record: %w", id, err)
	}

	created, err := q.rdb.SetNX(ctx, q.jobKey(id), b, q.jobTTL).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", id, err)
	}
	if !created {
		// A live record exists: the job is already pending, processing, or
		// delayed. Idempotent — hand back the same ID.
		return id, nil
	}

	if err := q.rdb.RPush(ctx, q.pendingKey(), id).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: push pending: %w", id, err)
	}
	return id, nil
}

// ClaimNext atomically moves one reference from the head of pending to the
// tail of processing and loads its record. Returns (nil, nil) when pending
// stays empty for the full timeout — the bounded block is what lets the
// dispatch loop observe a stop signal without a tight poll.
//
// A reference whose record is missing or unparseable is released and reported
// as ErrCorruptJob. A store fault while loading the record puts the reference
// back on pending before returning the error.
func (q *Queue) ClaimNext(ctx context.Context, timeout time.Duration) (*Job, error) {
	id, err := q.rdb.BLMove(ctx, q.pendingKey(), q.processingKey(), "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}

	b, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		_ = q.Release(ctx, id)
		return nil, fmt.Errorf("%w: %s has no record", ErrCorruptJob, id)
	}
	if err != nil {
		// Transient store fault, not a job failure. The reference was already
		// claimed, so only this caller may move it; put it back for a retry.
		_ = q.Release(ctx, id)
		_ = q.rdb.RPush(ctx, q.pendingKey(), id).Err()
		return nil, fmt.Errorf("claim next: load record %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		_ = q.rdb.Del(ctx, q.jobKey(id)).Err()
		_ = q.Release(ctx, id)
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptJob, id, err)
	}
	return &job, nil
}

// Release removes one matching reference from the processing list. Called by
// the handler that claimed the job once it reaches a terminal or rescheduled
// outcome.
func (q *Queue) Release(ctx context.Context, id string) error {
	if err := q.rdb.LRem(ctx, q.processingKey(), 1, id).Err(); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// ScheduleDelayed inserts the reference into the delayed set, scored by its
// ready-at time in unix milliseconds.
func (q *Queue) ScheduleDelayed(ctx context.Context, id string, readyAt time.Time) error {
	err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: id,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule delayed %s: %w", id, err)
	}
	return nil
}

// PromoteReady moves every delayed entry with ready-at <= now onto the tail of
// pending. Returns the number of entries promoted.
func (q *Queue) PromoteReady(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.pendingKey()}, now.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("promote ready: %w", err)
	}
	return n, nil
}

// RecoverProcessing sweeps every reference left on the processing list back
// onto pending. Run once at startup: anything still there was orphaned by a
// crash, and a duplicate attempt beats silent loss.
func (q *Queue) RecoverProcessing(ctx context.Context) (int, error) {
	var n int
	for {
		err := q.rdb.LMove(ctx, q.processingKey(), q.pendingKey(), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover processing: %w", err)
		}
		n++
	}
}

// IncrementAttempts bumps the attempt counter on the durable record and
// returns the new value. The record belongs exclusively to the claiming
// handler while the job is in flight, so a plain load-modify-store is safe.
func (q *Queue) IncrementAttempts(ctx context.Context, id string) (int, error) {
	job, err := q.Lookup(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("increment attempts %s: %w", id, err)
	}
	job.Attempts++
	b, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("increment attempts %s: marshal: %w", id, err)
	}
	if err := q.rdb.Set(ctx, q.jobKey(id), b, q.jobTTL).Err(); err != nil {
		return 0, fmt.Errorf("increment attempts %s: %w", id, err)
	}
	return job.Attempts, nil
}

// Lookup loads the durable record for id. Returns ErrNotFound when the record
// has reached a terminal state (deleted) or expired.
func (q *Queue) Lookup(ctx context.Context, id string) (*Job, error) {
	b, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("lookup %s: unmarshal: %w", id, err)
	}
	return &job, nil
}

// DeleteJob removes the durable record. Called on terminal success or terminal
// failure; the record is purely operational once the result is written.
func (q *Queue) DeleteJob(ctx context.Context, id string) error {
	if err := q.rdb.Del(ctx, q.jobKey(id)).Err(); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// PendingCount returns the pending list depth.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// ProcessingCount returns the processing list depth.
func (q *Queue) ProcessingCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.processingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("processing count: %w", err)
	}
	return n, nil
}

// DelayedCount returns the delayed set cardinality.
func (q *Queue) DelayedCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("delayed count: %w", err)
	}
	return n, nil
}
