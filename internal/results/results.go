// Package results owns the caller-visible result metadata records.
//
// A result record is the durable outcome of a job: its status, the computed
// artifact once completed, and the last error once failed. Queue records are
// operational and get deleted on terminal state; result records stick around
// for the configured TTL so downstream readers can poll them.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/julianstephens/photo-gallery-sub002/internal/artifact"
)

// ErrNotFound is returned by Get when no record exists for a job ID.
var ErrNotFound = errors.New("results: record not found")

// Status is the lifecycle state of a result record. Completed and failed are
// terminal: no further transitions occur.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is the durable, caller-visible outcome of a job.
type Record struct {
	JobID     string             `json:"job_id"`
	Status    Status             `json:"status"`
	Artifact  *artifact.Artifact `json:"artifact,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Store reads and writes result records in Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New creates a Store. prefix namespaces all keys; ttl is the record lifetime,
// refreshed on every write.
func New(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	return &Store{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *Store) key(jobID string) string {
	return s.prefix + ":result:" + jobID
}

// MarkPending records that a job has been accepted but not yet picked up.
func (s *Store) MarkPending(ctx context.Context, jobID string) error {
	return s.write(ctx, Record{JobID: jobID, Status: StatusPending})
}

// MarkProcessing records that a handler has claimed the job.
func (s *Store) MarkProcessing(ctx context.Context, jobID string) error {
	return s.write(ctx, Record{JobID: jobID, Status: StatusProcessing})
}

// Complete writes the terminal completed record with the computed artifact.
// Idempotent: a duplicate attempt after a crash rewrites the same outcome.
func (s *Store) Complete(ctx context.Context, jobID string, art *artifact.Artifact) error {
	return s.write(ctx, Record{JobID: jobID, Status: StatusCompleted, Artifact: art})
}

// Fail writes the terminal failed record with the causing error text.
func (s *Store) Fail(ctx context.Context, jobID string, lastError string) error {
	return s.write(ctx, Record{JobID: jobID, Status: StatusFailed, LastError: lastError})
}

// Get loads the record for jobID. Returns ErrNotFound when absent or expired.
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	b, err := s.rdb.Get(ctx, s.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", jobID, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("get result %s: unmarshal: %w", jobID, err)
	}
	return &rec, nil
}

func (s *Store) write(ctx context.Context, rec Record) error {
	rec.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("write result %s: marshal: %w", rec.JobID, err)
	}
	if err := s.rdb.Set(ctx, s.key(rec.JobID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("write result %s: %w", rec.JobID, err)
	}
	return nil
}
