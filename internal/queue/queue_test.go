package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/julianstephens/photo-gallery-sub002/internal/queue"
	"github.com/julianstephens/photo-gallery-sub002/internal/testutil"
)

const (
	pendingKey    = "test:queue:pending"
	processingKey = "test:queue:processing"
	delayedKey    = "test:queue:delayed"
)

func newTestQueue(t *testing.T) (*queue.Queue, *redis.Client) {
	t.Helper()
	_, client := testutil.NewRedis(t)
	return queue.New(client, "test", time.Hour), client
}

func TestJobID_DeterministicPerStorageKey(t *testing.T) {
	t.Parallel()
	a := queue.JobID("photos/cat.jpg")
	b := queue.JobID("photos/cat.jpg")
	c := queue.JobID("photos/dog.jpg")

	if a != b {
		t.Errorf("same key produced different ids: %q vs %q", a, b)
	}
	if a == c {
		t.Errorf("distinct keys produced the same id: %q", a)
	}
}

func TestEnqueue_IdempotentWhileRecordLives(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, queue.Payload{StorageKey: "photos/cat.jpg"})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, queue.Payload{StorageKey: "photos/cat.jpg"})
	require.NoError(t, err)

	if id1 != id2 {
		t.Errorf("re-enqueue id = %q, want %q", id2, id1)
	}
	n, err := client.LLen(ctx, pendingKey).Result()
	require.NoError(t, err)
	if n != 1 {
		t.Errorf("pending length = %d, want 1 (no duplicate reference)", n)
	}
}

func TestEnqueue_RejectsBlankStorageKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, key := range []string{"", "   "} {
		_, err := q.Enqueue(ctx, queue.Payload{StorageKey: key})
		if !errors.Is(err, queue.ErrInvalidPayload) {
			t.Errorf("Enqueue(%q) err = %v, want ErrInvalidPayload", key, err)
		}
	}
}

func TestClaimNext_MovesReferenceToProcessing(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, queue.Payload{
		StorageKey: "photos/cat.jpg",
		TenantID:   "t-1",
		Collection: "summer",
	})
	require.NoError(t, err)

	job, err := q.ClaimNext(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	if job.ID != id {
		t.Errorf("claimed job id = %q, want %q", job.ID, id)
	}
	if job.StorageKey != "photos/cat.jpg" || job.TenantID != "t-1" || job.Collection != "summer" {
		t.Errorf("claimed job record = %+v, fields not preserved", job)
	}
	if job.Attempts != 0 {
		t.Errorf("fresh job attempts = %d, want 0", job.Attempts)
	}

	refs, err := client.LRange(ctx, processingKey, 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{id}, refs)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestClaimNext_ReturnsNilOnTimeout(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.ClaimNext(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	if job != nil {
		t.Errorf("claim on empty queue = %+v, want nil", job)
	}
}

func TestClaimNext_CorruptReferenceIsReleased(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	// A reference with no durable record: unprocessable, not retryable.
	require.NoError(t, client.RPush(ctx, pendingKey, "no-such-record").Err())

	_, err := q.ClaimNext(ctx, 100*time.Millisecond)
	if !errors.Is(err, queue.ErrCorruptJob) {
		t.Fatalf("claim err = %v, want ErrCorruptJob", err)
	}

	for _, key := range []string{pendingKey, processingKey} {
		n, err := client.LLen(ctx, key).Result()
		require.NoError(t, err)
		if n != 0 {
			t.Errorf("%s length = %d, want 0 after discard", key, n)
		}
	}
}

func TestRelease_RemovesClaimedReference(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, queue.Payload{StorageKey: "photos/cat.jpg"})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, q.Release(ctx, id))

	n, err := q.ProcessingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPromoteReady_MovesOnlyRipeEntries(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.ScheduleDelayed(ctx, "ripe", now.Add(-time.Second)))
	require.NoError(t, q.ScheduleDelayed(ctx, "green", now.Add(time.Hour)))

	n, err := q.PromoteReady(ctx, now)
	require.NoError(t, err)
	if n != 1 {
		t.Fatalf("promoted = %d, want 1", n)
	}

	refs, err := client.LRange(ctx, pendingKey, 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"ripe"}, refs)

	remaining, err := client.ZRange(ctx, delayedKey, 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"green"}, remaining)
}

func TestPromoteReady_AppendsBehindExistingPending(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, client.RPush(ctx, pendingKey, "first").Err())
	require.NoError(t, q.ScheduleDelayed(ctx, "promoted", time.Now().Add(-time.Second)))

	_, err := q.PromoteReady(ctx, time.Now())
	require.NoError(t, err)

	refs, err := client.LRange(ctx, pendingKey, 0, -1).Result()
	require.NoError(t, err)
	// A delayed job re-enters pending behind jobs enqueued after it.
	require.Equal(t, []string{"first", "promoted"}, refs)
}

func TestRecoverProcessing_SweepsOrphansBackToPending(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, client.RPush(ctx, processingKey, "a", "b").Err())

	n, err := q.RecoverProcessing(ctx)
	require.NoError(t, err)
	if n != 2 {
		t.Errorf("recovered = %d, want 2", n)
	}

	pn, err := q.ProcessingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pn)

	refs, err := client.LRange(ctx, pendingKey, 0, -1).Result()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, refs)
}

func TestIncrementAttempts_PersistsOnRecord(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, queue.Payload{StorageKey: "photos/cat.jpg"})
	require.NoError(t, err)

	n, err := q.IncrementAttempts(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = q.IncrementAttempts(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	job, err := q.Lookup(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, job.Attempts)
}

func TestDeleteJob_ThenLookupNotFound(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, queue.Payload{StorageKey: "photos/cat.jpg"})
	require.NoError(t, err)
	require.NoError(t, q.DeleteJob(ctx, id))

	_, err = q.Lookup(ctx, id)
	if !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("Lookup after delete err = %v, want ErrNotFound", err)
	}
}
