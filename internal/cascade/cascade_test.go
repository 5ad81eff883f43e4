package cascade

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chartparse/internal/store"
)

func TestDeriveID_Deterministic(t *testing.T) {
	a := DeriveID("sess-1", 2, 0, "operative_report")
	b := DeriveID("sess-1", 2, 0, "operative_report")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "csc_"))
}

func TestDeriveID_DistinctOrigins(t *testing.T) {
	base := DeriveID("sess-1", 2, 0, "operative_report")
	assert.NotEqual(t, base, DeriveID("sess-1", 3, 0, "operative_report"))
	assert.NotEqual(t, base, DeriveID("sess-1", 2, 1, "operative_report"))
	assert.NotEqual(t, base, DeriveID("sess-1", 2, 0, "progress_note"))
	assert.NotEqual(t, base, DeriveID("sess-2", 2, 0, "operative_report"))
}

func TestDerivePendingID_Deterministic(t *testing.T) {
	a := DerivePendingID("sess-1", 3, 1)
	assert.Equal(t, a, DerivePendingID("sess-1", 3, 1))
	assert.NotEqual(t, a, DerivePendingID("sess-1", 3, 2))
	assert.True(t, strings.HasPrefix(a, "pnd_"))
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mgr := NewManager(st)

	sess, err := st.CreateSession(ctx, 100, 50, 2)
	require.NoError(t, err)

	id := DeriveID(sess.ID, 1, 0, "inpatient_admission")
	require.NoError(t, mgr.TrackOpen(ctx, id, sess.ID, 1))

	// Reprocessing the origin chunk opens the same chain without error.
	require.NoError(t, mgr.TrackOpen(ctx, id, sess.ID, 1))
	chain, err := st.GetCascade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.PendingCount)

	require.NoError(t, mgr.RecordContinuation(ctx, id, 2))
	chain, err = st.GetCascade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, chain.PendingCount)
	assert.Equal(t, 2, chain.LastChunk)

	// Reprocessing the continuation chunk must not double-count it.
	require.NoError(t, mgr.RecordContinuation(ctx, id, 2))
	chain, err = st.GetCascade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, chain.PendingCount)
	assert.Equal(t, 2, chain.LastChunk)

	assert.NoError(t, mgr.ValidateCompletion(ctx, id, 2))
	assert.Error(t, mgr.ValidateCompletion(ctx, id, 1), "merge loses a pending")
}

func TestManagerRecordContinuation_UnknownChain(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(newTestStore(t))
	err := mgr.RecordContinuation(ctx, "csc_missing", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManagerValidateCompletion_UnknownChain(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(newTestStore(t))
	assert.Error(t, mgr.ValidateCompletion(ctx, "csc_missing", 1))
}
