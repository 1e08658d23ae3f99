package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonmap/geoimport/internal/model"
	"github.com/sonmap/geoimport/internal/notice"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "roads", 250)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, model.SessionCreated, sess.State)
	assert.Equal(t, 250, sess.Total)
	assert.Equal(t, -1, sess.Checkpoint)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "roads", got.LayerID)
	assert.Equal(t, -1, got.Checkpoint)
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "nope")
	require.Error(t, err)
}

func TestSQLiteStore_UpdateStateAndProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "parcels", 10)
	require.NoError(t, err)

	require.NoError(t, s.UpdateState(ctx, sess.ID, model.SessionProcessing, ""))
	require.NoError(t, s.UpdateProgress(ctx, sess.ID, 7, 1))
	require.NoError(t, s.UpdateState(ctx, sess.ID, model.SessionFailed, "write exhausted retries"))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.State)
	assert.Equal(t, 7, got.Processed)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, "write exhausted retries", got.Error)
}

func TestSQLiteStore_UpdateMissingSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.UpdateState(ctx, "nope", model.SessionProcessing, ""))
	assert.Error(t, s.UpdateProgress(ctx, "nope", 1, 0))
	assert.Error(t, s.SaveCheckpoint(ctx, "nope", 0))
}

func TestSQLiteStore_Checkpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "roads", 100)
	require.NoError(t, err)

	require.NoError(t, s.SaveCheckpoint(ctx, sess.ID, 4))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Checkpoint)
}

func TestSQLiteStore_NoticeSummaryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "roads", 1)
	require.NoError(t, err)

	summary := notice.Summary{
		SessionID: sess.ID,
		Counts:    map[notice.Level]int{notice.LevelWarning: 2},
	}
	require.NoError(t, s.SaveNoticeSummary(ctx, sess.ID, summary))
}

func TestSQLiteStore_ListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateSession(ctx, "roads", 10)
	require.NoError(t, err)
	b, err := s.CreateSession(ctx, "parcels", 20)
	require.NoError(t, err)
	require.NoError(t, s.UpdateState(ctx, b.ID, model.SessionProcessing, ""))

	all, err := s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byLayer, err := s.ListSessions(ctx, SessionFilter{LayerID: "roads"})
	require.NoError(t, err)
	require.Len(t, byLayer, 1)
	assert.Equal(t, a.ID, byLayer[0].ID)

	byState, err := s.ListSessions(ctx, SessionFilter{State: model.SessionProcessing})
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, b.ID, byState[0].ID)

	limited, err := s.ListSessions(ctx, SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteStore_RejectsIllegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "roads", 10)
	require.NoError(t, err)

	// created may only enter processing.
	err = s.UpdateState(ctx, sess.ID, model.SessionCompleted, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot move from created to completed")

	require.NoError(t, s.UpdateState(ctx, sess.ID, model.SessionProcessing, ""))
	require.NoError(t, s.UpdateState(ctx, sess.ID, model.SessionCompleted, ""))

	// Terminal states are final.
	err = s.UpdateState(ctx, sess.ID, model.SessionProcessing, "")
	require.Error(t, err)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.State)
}
