package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcompute/compute-node/internal/model"
)

func newHistory(t *testing.T) *SQLiteTaskHistory {
	t.Helper()
	s, err := NewSQLiteTaskHistory(zap.NewNop(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(taskID string, completedAt time.Time) *TaskRecord {
	return &TaskRecord{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		Model:       "m1",
		Status:      model.TaskStatusSuccess,
		ReceivedAt:  completedAt.Add(-time.Second),
		StartedAt:   completedAt.Add(-500 * time.Millisecond),
		CompletedAt: completedAt,
		Duration:    500 * time.Millisecond,
	}
}

func TestStoreAndList(t *testing.T) {
	s := newHistory(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Store(ctx, record("t1", base)))
	require.NoError(t, s.Store(ctx, record("t2", base.Add(time.Minute))))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	recs, err := s.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "t2", recs[0].TaskID, "newest first")
	assert.Equal(t, "t1", recs[1].TaskID)
	assert.Equal(t, model.TaskStatusSuccess, recs[0].Status)
	assert.Equal(t, 500*time.Millisecond, recs[0].Duration)
}

func TestListPagination(t *testing.T) {
	s := newHistory(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Store(ctx, record("t", base.Add(time.Duration(i)*time.Minute))))
	}

	recs, err := s.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestRejectedRecordWithoutStart(t *testing.T) {
	s := newHistory(t)
	ctx := context.Background()

	rec := &TaskRecord{
		ID:         uuid.New().String(),
		TaskID:     "t1",
		Status:     model.TaskStatusRejected,
		Reason:     model.ReasonCapacity,
		ReceivedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Store(ctx, rec))

	recs, err := s.List(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.TaskStatusRejected, recs[0].Status)
	assert.Equal(t, model.ReasonCapacity, recs[0].Reason)
	assert.True(t, recs[0].StartedAt.IsZero())
	assert.True(t, recs[0].CompletedAt.IsZero())
}

func TestDeleteBefore(t *testing.T) {
	s := newHistory(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Store(ctx, record("old", base.Add(-2*time.Hour))))
	require.NoError(t, s.Store(ctx, record("new", base)))

	require.NoError(t, s.DeleteBefore(ctx, base.Add(-time.Hour)))

	recs, err := s.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].TaskID)
}
