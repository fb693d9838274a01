package coordinator

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchTrashTrashesEveryTargetIndependently(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)

	var targets []BatchTarget
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		f, err := c.UploadFile(ctx, "alice", home.ID, name, bytes.NewReader([]byte("x")), 1, "text/plain")
		require.NoError(t, err)
		targets = append(targets, BatchTarget{ID: f.ID})
	}

	result := c.BatchTrash(ctx, "alice", targets, 2)
	assert.Equal(t, BatchStats{Total: 3, Successful: 3, Failed: 0}, statsWithoutElapsed(result.Stats))

	entries, err := c.ListTrash(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestBatchTrashReportsPerTargetFailureWithoutAbortingOthers(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	f, err := c.UploadFile(ctx, "alice", home.ID, "a.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)

	targets := []BatchTarget{{ID: f.ID}, {ID: "does-not-exist"}}
	result := c.BatchTrash(ctx, "alice", targets, 4)

	assert.Equal(t, 2, result.Stats.Total)
	assert.Equal(t, 1, result.Stats.Successful)
	assert.Equal(t, 1, result.Stats.Failed)

	var sawFailure bool
	for _, o := range result.Outcomes {
		if o.Target.ID == "does-not-exist" {
			sawFailure = true
			assert.Error(t, o.Err)
		}
	}
	assert.True(t, sawFailure)
}

func TestBatchMoveRelocatesEveryTarget(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	dest, err := c.CreateFolder(ctx, "alice", home.ID, "dest")
	require.NoError(t, err)

	var targets []BatchTarget
	for _, name := range []string{"a.txt", "b.txt"} {
		f, err := c.UploadFile(ctx, "alice", home.ID, name, bytes.NewReader([]byte("x")), 1, "text/plain")
		require.NoError(t, err)
		targets = append(targets, BatchTarget{ID: f.ID})
	}

	result := c.BatchMove(ctx, "alice", targets, dest.ID, 0)
	assert.Equal(t, 2, result.Stats.Successful)
	assert.Equal(t, 0, result.Stats.Failed)
}

func statsWithoutElapsed(s BatchStats) BatchStats {
	s.Elapsed = 0
	return s
}
