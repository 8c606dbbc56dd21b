package results_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/julianstephens/photo-gallery-sub002/internal/artifact"
	"github.com/julianstephens/photo-gallery-sub002/internal/results"
	"github.com/julianstephens/photo-gallery-sub002/internal/testutil"
)

func newTestStore(t *testing.T) *results.Store {
	t.Helper()
	_, client := testutil.NewRedis(t)
	return results.New(client, "test", time.Hour)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, results.ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkPending(ctx, "job-1"))
	rec, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, results.StatusPending, rec.Status)

	require.NoError(t, s.MarkProcessing(ctx, "job-1"))
	rec, err = s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, results.StatusProcessing, rec.Status)
}

func TestComplete_RoundTripsArtifact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	art := &artifact.Artifact{
		Palette:         []string{"#336699", "#224466"},
		Primary:         "#336699",
		Secondary:       "#224466",
		Foreground:      "#ffffff",
		CSSGradient:     "linear-gradient(135deg, #336699 0%, #224466 100%)",
		BlurPlaceholder: "LEHV6nWB2yk8pyo0adR*.7kCMdnj",
	}
	require.NoError(t, s.Complete(ctx, "job-1", art))

	rec, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, results.StatusCompleted, rec.Status)
	require.Equal(t, art, rec.Artifact)
	require.Empty(t, rec.LastError)
}

func TestFail_RecordsLastError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Fail(ctx, "job-1", "fetch photos/cat.jpg: connection refused"))

	rec, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, results.StatusFailed, rec.Status)
	require.Contains(t, rec.LastError, "connection refused")
	require.Nil(t, rec.Artifact)
}

func TestTerminalWritesAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	art := &artifact.Artifact{Primary: "#336699"}
	// A duplicate attempt after a crash rewrites the same outcome.
	require.NoError(t, s.Complete(ctx, "job-1", art))
	require.NoError(t, s.Complete(ctx, "job-1", art))

	rec, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, results.StatusCompleted, rec.Status)
	require.Equal(t, "#336699", rec.Artifact.Primary)
}
