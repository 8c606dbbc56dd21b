package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// jobNamespace seeds deterministic job IDs. Two enqueues of the same storage
// key always derive the same job ID, which is what makes enqueue idempotent
// at the record level.
var jobNamespace = uuid.MustParse("5c7a36e2-9d14-4f14-a8c3-52fb1c9ad30e")

// JobID derives the deterministic job ID for a storage key.
func JobID(storageKey string) string {
	return uuid.NewSHA1(jobNamespace, []byte(storageKey)).String()
}

// Payload is the caller-supplied enqueue request. TenantID and Collection are
// correlation fields only: they show up in logs and locate the right result
// record, never in queue decisions.
type Payload struct {
	StorageKey string `json:"storageKey"`
	TenantID   string `json:"tenantId,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// Validate rejects payloads that cannot become jobs. A validation failure is
// the caller's problem, not a queue fault.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.StorageKey) == "" {
		return fmt.Errorf("%w: storageKey is required", ErrInvalidPayload)
	}
	return nil
}

// Job is the durable per-job record. The queue lists and the delayed set only
// ever carry the job ID; this record holds everything else, including the
// attempt counter incremented once per processing attempt.
type Job struct {
	ID         string    `json:"id"`
	StorageKey string    `json:"storage_key"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Collection string    `json:"collection,omitempty"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
}
