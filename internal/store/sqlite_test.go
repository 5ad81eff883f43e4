package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chartparse/internal/model"
)

func newSQLiteTest(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLiteSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteTest(t)

	sess, err := st.CreateSession(ctx, 215, 50, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, model.SessionStatusInitialized, sess.Status)

	require.NoError(t, st.UpdateSessionStatus(ctx, sess.ID, model.SessionStatusProcessing, ""))
	require.NoError(t, st.AdvanceSession(ctx, sess.ID, 3))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusProcessing, got.Status)
	assert.Equal(t, 3, got.CurrentChunk)
	assert.Equal(t, 215, got.TotalPages)

	require.NoError(t, st.UpdateSessionStatus(ctx, sess.ID, model.SessionStatusFailed, "chunk 4 exploded"))
	got, err = st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "chunk 4 exploded", got.Error)
}

func TestSQLiteSessionNotFound(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteTest(t)

	_, err := st.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, st.UpdateSessionStatus(ctx, "nope", model.SessionStatusFailed, "x"), ErrNotFound)
	assert.ErrorIs(t, st.AdvanceSession(ctx, "nope", 1), ErrNotFound)
	assert.ErrorIs(t, st.BumpCascade(ctx, "nope", 1), ErrNotFound)
	_, err = st.GetCascade(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteListSessions(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteTest(t)

	a, err := st.CreateSession(ctx, 10, 50, 1)
	require.NoError(t, err)
	_, err = st.CreateSession(ctx, 20, 50, 1)
	require.NoError(t, err)
	require.NoError(t, st.UpdateSessionStatus(ctx, a.ID, model.SessionStatusCompleted, ""))

	all, err := st.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	done, err := st.ListSessions(ctx, SessionFilter{Status: model.SessionStatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, a.ID, done[0].ID)

	limited, err := st.ListSessions(ctx, SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteChunkResults(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteTest(t)
	sess, err := st.CreateSession(ctx, 100, 50, 2)
	require.NoError(t, err)

	require.NoError(t, st.UpsertChunkResult(ctx, model.ChunkResult{
		SessionID: sess.ID, ChunkNumber: 1, PageStart: 1, PageEnd: 50,
		Error: "provider blew up",
	}))

	n, err := st.CountChunkResults(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "failed chunks do not count")

	// Retry overwrites the failed row.
	require.NoError(t, st.UpsertChunkResult(ctx, model.ChunkResult{
		SessionID: sess.ID, ChunkNumber: 1, PageStart: 1, PageEnd: 50,
		Completed: 2, TokenUsage: model.TokenUsage{InputTokens: 900, OutputTokens: 100},
		CostUSD: 0.02,
	}))

	n, err = st.CountChunkResults(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLitePendings(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteTest(t)
	sess, err := st.CreateSession(ctx, 100, 50, 2)
	require.NoError(t, err)

	cascadeID := "csc_abc"
	p := &model.PendingEntity{
		ID: "pnd_1", SessionID: sess.ID, TempID: "T1",
		OriginChunk: 1, LastChunk: 1, CascadeID: &cascadeID,
		Data: model.EntityData{
			Type:      "office_visit",
			StartDate: &model.EntityDate{Raw: "16/02/1959", Source: model.DateSourceDocument},
		},
		PageRanges: []model.PageRange{{Start: 45, End: 50}},
		ExpectNext: "more of the visit",
		Status:     model.PendingStatusPending,
	}
	require.NoError(t, st.UpsertPending(ctx, p))

	got, err := st.ListPendings(ctx, sess.ID, model.PendingStatusPending)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "T1", got[0].TempID)
	require.NotNil(t, got[0].CascadeID)
	assert.Equal(t, cascadeID, *got[0].CascadeID)
	require.NotNil(t, got[0].Data.StartDate)
	assert.Equal(t, "16/02/1959", got[0].Data.StartDate.Raw)
	assert.Equal(t, []model.PageRange{{Start: 45, End: 50}}, got[0].PageRanges)

	// Upsert with the same id replaces rather than duplicates.
	p.Data.Provider = "Dr. Webb"
	require.NoError(t, st.UpsertPending(ctx, p))
	got, err = st.ListPendings(ctx, sess.ID, model.PendingStatusPending)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Dr. Webb", got[0].Data.Provider)

	require.NoError(t, st.MarkPendingsAbandoned(ctx, []string{"pnd_1"}, "type disagreement"))
	abandoned, err := st.ListPendings(ctx, sess.ID, model.PendingStatusAbandoned)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, "type disagreement", abandoned[0].Error)

	assert.NoError(t, st.MarkPendingsAbandoned(ctx, nil, "noop"))
}

func TestSQLiteCascades(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteTest(t)
	sess, err := st.CreateSession(ctx, 100, 50, 2)
	require.NoError(t, err)

	c := &model.CascadeChain{ID: "csc_1", SessionID: sess.ID, OriginChunk: 1, LastChunk: 1, PendingCount: 1}
	require.NoError(t, st.UpsertCascade(ctx, c))
	require.NoError(t, st.UpsertCascade(ctx, c), "reinsert is a no-op")

	require.NoError(t, st.BumpCascade(ctx, "csc_1", 2))
	got, err := st.GetCascade(ctx, "csc_1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.PendingCount)
	assert.Equal(t, 2, got.LastChunk)
	assert.False(t, got.Completed())

	// A replayed bump for an already-counted chunk is a no-op.
	require.NoError(t, st.BumpCascade(ctx, "csc_1", 2))
	got, err = st.GetCascade(ctx, "csc_1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.PendingCount)
	assert.Equal(t, 2, got.LastChunk)

	open, err := st.ListOpenCascades(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestSQLiteFinalizeGroup(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteTest(t)
	sess, err := st.CreateSession(ctx, 100, 50, 2)
	require.NoError(t, err)

	cascadeID := "csc_1"
	require.NoError(t, st.UpsertCascade(ctx, &model.CascadeChain{
		ID: cascadeID, SessionID: sess.ID, OriginChunk: 1, LastChunk: 2, PendingCount: 2,
	}))
	for _, id := range []string{"pnd_1", "pnd_2"} {
		require.NoError(t, st.UpsertPending(ctx, &model.PendingEntity{
			ID: id, SessionID: sess.ID, OriginChunk: 1, LastChunk: 1, CascadeID: &cascadeID,
			Data: model.EntityData{Type: "inpatient_admission"}, PageRanges: []model.PageRange{{Start: 45, End: 50}},
			Status: model.PendingStatusPending,
		}))
	}

	fe := &model.FinalEntity{
		ID: "ent_1", SessionID: sess.ID, CascadeID: &cascadeID,
		Data:       model.EntityData{Type: "inpatient_admission"},
		PageRanges: []model.PageRange{{Start: 45, End: 55}},
		PendingIDs: []string{"pnd_1", "pnd_2"},
	}
	require.NoError(t, st.FinalizeGroup(ctx, fe))

	entities, err := st.ListFinalEntities(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "ent_1", entities[0].ID)

	left, err := st.ListPendings(ctx, sess.ID, model.PendingStatusPending)
	require.NoError(t, err)
	assert.Empty(t, left)

	chain, err := st.GetCascade(ctx, cascadeID)
	require.NoError(t, err)
	require.NotNil(t, chain.FinalEntityID)
	assert.Equal(t, "ent_1", *chain.FinalEntityID)

	open, err := st.ListOpenCascades(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSQLiteFinalizeGroup_DuplicateRollsBack(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteTest(t)
	sess, err := st.CreateSession(ctx, 100, 50, 1)
	require.NoError(t, err)

	require.NoError(t, st.UpsertPending(ctx, &model.PendingEntity{
		ID: "pnd_1", SessionID: sess.ID, OriginChunk: 1, LastChunk: 1,
		Data: model.EntityData{Type: "office_visit"}, PageRanges: []model.PageRange{{Start: 1, End: 5}},
		Status: model.PendingStatusPending,
	}))

	fe := &model.FinalEntity{
		ID: "ent_1", SessionID: sess.ID,
		Data:       model.EntityData{Type: "office_visit"},
		PageRanges: []model.PageRange{{Start: 1, End: 5}},
		PendingIDs: []string{"pnd_1"},
	}
	require.NoError(t, st.FinalizeGroup(ctx, fe))

	// Replaying the same finalize hits the primary key and leaves the
	// first write intact.
	require.Error(t, st.FinalizeGroup(ctx, fe))
	entities, err := st.ListFinalEntities(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, entities, 1)
}
