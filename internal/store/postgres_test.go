package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chartparse/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func TestPostgresCreateSession(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(pgxmock.AnyArg(), 215, 50, 5, string(model.SessionStatusInitialized), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	sess, err := st.CreateSession(ctx, 215, 50, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, model.SessionStatusInitialized, sess.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetSession(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	cols := []string{"id", "total_pages", "chunk_size", "total_chunks", "current_chunk", "status", "error", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("sess-1", 215, 50, 5, 3, "processing", nil, now, now))

	sess, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sess.CurrentChunk)
	assert.Equal(t, model.SessionStatusProcessing, sess.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetSession_NotFound(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := st.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBumpCascade_UnknownChain(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	mock.ExpectExec("UPDATE cascades SET pending_count").
		WithArgs(2, pgxmock.AnyArg(), "csc_missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("FROM cascades WHERE id").
		WithArgs("csc_missing").
		WillReturnError(pgx.ErrNoRows)

	err := st.BumpCascade(ctx, "csc_missing", 2)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBumpCascade_ReplayIsNoOp(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	now := time.Now().UTC()
	mock.ExpectExec("UPDATE cascades SET pending_count").
		WithArgs(2, pgxmock.AnyArg(), "csc_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	// The chain exists with last_chunk already at 2, so the bump was a replay.
	mock.ExpectQuery("FROM cascades WHERE id").
		WithArgs("csc_1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "session_id", "origin_chunk", "last_chunk", "pending_count", "final_entity_id", "created_at", "updated_at",
		}).AddRow("csc_1", "sess-1", 1, 2, 2, nil, now, now))

	err := st.BumpCascade(ctx, "csc_1", 2)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkPendingsAbandoned(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	ids := []string{"pnd_1", "pnd_2"}
	mock.ExpectExec("UPDATE pendings SET status").
		WithArgs(string(model.PendingStatusAbandoned), "type disagreement", pgxmock.AnyArg(), ids).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.NoError(t, st.MarkPendingsAbandoned(ctx, ids, "type disagreement"))
	assert.NoError(t, mock.ExpectationsWereMet())

	// Empty slice never touches the pool.
	require.NoError(t, st.MarkPendingsAbandoned(ctx, nil, "noop"))
}

func TestPostgresCountChunkResults(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	mock.ExpectQuery("FROM chunk_results").
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := st.CountChunkResults(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFinalizeGroup(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	cascadeID := "csc_1"
	fe := &model.FinalEntity{
		ID:         "ent_1",
		SessionID:  "sess-1",
		CascadeID:  &cascadeID,
		Data:       model.EntityData{Type: "inpatient_admission"},
		PageRanges: []model.PageRange{{Start: 45, End: 55}},
		PendingIDs: []string{"pnd_1", "pnd_2"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO final_entities").
		WithArgs("ent_1", "sess-1", &cascadeID, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE pendings SET status").
		WithArgs(string(model.PendingStatusCompleted), pgxmock.AnyArg(), fe.PendingIDs).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec("UPDATE cascades SET final_entity_id").
		WithArgs("ent_1", pgxmock.AnyArg(), "csc_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, st.FinalizeGroup(ctx, fe))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFinalizeGroup_Singleton(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	fe := &model.FinalEntity{
		ID:         "ent_2",
		SessionID:  "sess-1",
		Data:       model.EntityData{Type: "office_visit"},
		PageRanges: []model.PageRange{{Start: 1, End: 10}},
		PendingIDs: []string{"pnd_3"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO final_entities").
		WithArgs("ent_2", "sess-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE pendings SET status").
		WithArgs(string(model.PendingStatusCompleted), pgxmock.AnyArg(), fe.PendingIDs).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, st.FinalizeGroup(ctx, fe))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFinalizeGroup_RollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	cascadeID := "csc_1"
	fe := &model.FinalEntity{
		ID:         "ent_1",
		SessionID:  "sess-1",
		CascadeID:  &cascadeID,
		Data:       model.EntityData{Type: "inpatient_admission"},
		PageRanges: []model.PageRange{{Start: 45, End: 55}},
		PendingIDs: []string{"pnd_1", "pnd_2"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO final_entities").
		WithArgs("ent_1", "sess-1", &cascadeID, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("duplicate key value violates unique constraint"))
	mock.ExpectRollback()

	err := st.FinalizeGroup(ctx, fe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")
	assert.NoError(t, mock.ExpectationsWereMet())
}
