package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/chartparse/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	total_pages   INTEGER NOT NULL,
	chunk_size    INTEGER NOT NULL,
	total_chunks  INTEGER NOT NULL,
	current_chunk INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'initialized',
	error         TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS chunk_results (
	session_id    TEXT NOT NULL REFERENCES sessions(id),
	chunk_number  INTEGER NOT NULL,
	page_start    INTEGER NOT NULL,
	page_end      INTEGER NOT NULL,
	completed     INTEGER NOT NULL DEFAULT 0,
	continuing    INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	raw_response  TEXT,
	error         TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (session_id, chunk_number)
);

CREATE TABLE IF NOT EXISTS pendings (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(id),
	temp_id         TEXT,
	origin_chunk    INTEGER NOT NULL,
	last_chunk      INTEGER NOT NULL,
	cascade_id      TEXT,
	data            TEXT NOT NULL,
	page_ranges     TEXT NOT NULL,
	context_snippet TEXT,
	expect_next     TEXT,
	status          TEXT NOT NULL DEFAULT 'pending',
	error           TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cascades (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(id),
	origin_chunk    INTEGER NOT NULL,
	last_chunk      INTEGER NOT NULL,
	pending_count   INTEGER NOT NULL DEFAULT 0,
	final_entity_id TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS final_entities (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	cascade_id  TEXT,
	data        TEXT NOT NULL,
	page_ranges TEXT NOT NULL,
	pending_ids TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_pendings_session ON pendings(session_id, status);
CREATE INDEX IF NOT EXISTS idx_pendings_cascade ON pendings(cascade_id);
CREATE INDEX IF NOT EXISTS idx_cascades_session ON cascades(session_id);
CREATE INDEX IF NOT EXISTS idx_final_entities_session ON final_entities(session_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, totalPages, chunkSize, totalChunks int) (*model.Session, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, total_pages, chunk_size, total_chunks, current_chunk, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id, totalPages, chunkSize, totalChunks, string(model.SessionStatusInitialized), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}

	return &model.Session{
		ID:          id,
		TotalPages:  totalPages,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Status:      model.SessionStatusInitialized,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), nullableString(errMsg), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session status %s", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) AdvanceSession(ctx context.Context, sessionID string, currentChunk int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET current_chunk = ?, updated_at = ? WHERE id = ?`,
		currentChunk, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: advance session %s", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, total_pages, chunk_size, total_chunks, current_chunk, status, error, created_at, updated_at
		 FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT id, total_pages, chunk_size, total_chunks, current_chunk, status, error, created_at, updated_at FROM sessions`
	var args []any
	var conds []string
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions rows")
}

func (s *SQLiteStore) UpsertChunkResult(ctx context.Context, res model.ChunkResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunk_results (session_id, chunk_number, page_start, page_end, completed, continuing,
		     input_tokens, output_tokens, cost_usd, duration_ms, raw_response, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, chunk_number) DO UPDATE SET
		     completed = excluded.completed,
		     continuing = excluded.continuing,
		     input_tokens = excluded.input_tokens,
		     output_tokens = excluded.output_tokens,
		     cost_usd = excluded.cost_usd,
		     duration_ms = excluded.duration_ms,
		     raw_response = excluded.raw_response,
		     error = excluded.error`,
		res.SessionID, res.ChunkNumber, res.PageStart, res.PageEnd, res.Completed, res.Continuing,
		res.TokenUsage.InputTokens, res.TokenUsage.OutputTokens, res.CostUSD, res.DurationMS,
		nullableString(res.RawResponse), nullableString(res.Error), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert chunk result %s/%d", res.SessionID, res.ChunkNumber)
}

func (s *SQLiteStore) CountChunkResults(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunk_results WHERE session_id = ? AND error IS NULL`, sessionID,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count chunk results %s", sessionID)
}

func (s *SQLiteStore) UpsertPending(ctx context.Context, p *model.PendingEntity) error {
	dataJSON, err := json.Marshal(p.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pending data")
	}
	rangesJSON, err := json.Marshal(p.PageRanges)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pending ranges")
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pendings (id, session_id, temp_id, origin_chunk, last_chunk, cascade_id, data,
		     page_ranges, context_snippet, expect_next, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     last_chunk = excluded.last_chunk,
		     data = excluded.data,
		     page_ranges = excluded.page_ranges,
		     context_snippet = excluded.context_snippet,
		     expect_next = excluded.expect_next,
		     status = excluded.status,
		     error = excluded.error,
		     updated_at = excluded.updated_at`,
		p.ID, p.SessionID, nullableString(p.TempID), p.OriginChunk, p.LastChunk, p.CascadeID,
		string(dataJSON), string(rangesJSON), nullableString(p.ContextSnippet), nullableString(p.ExpectNext),
		string(p.Status), nullableString(p.Error), now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert pending %s", p.ID)
}

func (s *SQLiteStore) ListPendings(ctx context.Context, sessionID string, status model.PendingStatus) ([]model.PendingEntity, error) {
	query := `SELECT id, session_id, temp_id, origin_chunk, last_chunk, cascade_id, data, page_ranges,
	          context_snippet, expect_next, status, error, created_at, updated_at
	          FROM pendings WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY origin_chunk, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list pendings %s", sessionID)
	}
	defer rows.Close()

	var pendings []model.PendingEntity
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		pendings = append(pendings, *p)
	}
	return pendings, eris.Wrap(rows.Err(), "sqlite: list pendings rows")
}

func (s *SQLiteStore) MarkPendingsAbandoned(ctx context.Context, pendingIDs []string, reason string) error {
	if len(pendingIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(pendingIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{string(model.PendingStatusAbandoned), reason, time.Now().UTC()}
	for _, id := range pendingIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE pendings SET status = ?, error = ?, updated_at = ? WHERE id IN (`+placeholders+`)`,
		args...,
	)
	return eris.Wrap(err, "sqlite: mark pendings abandoned")
}

func (s *SQLiteStore) UpsertCascade(ctx context.Context, c *model.CascadeChain) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cascades (id, session_id, origin_chunk, last_chunk, pending_count, final_entity_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.SessionID, c.OriginChunk, c.LastChunk, c.PendingCount, c.FinalEntityID, now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert cascade %s", c.ID)
}

func (s *SQLiteStore) BumpCascade(ctx context.Context, cascadeID string, lastChunk int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cascades SET pending_count = pending_count + 1, last_chunk = ?, updated_at = ? WHERE id = ? AND last_chunk < ?`,
		lastChunk, time.Now().UTC(), cascadeID, lastChunk,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: bump cascade %s", cascadeID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: bump cascade %s", cascadeID)
	}
	if n == 0 {
		// Zero rows is either a replay of an already-counted chunk or a
		// missing chain; only the latter is an error.
		if _, err := s.GetCascade(ctx, cascadeID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) GetCascade(ctx context.Context, cascadeID string) (*model.CascadeChain, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, origin_chunk, last_chunk, pending_count, final_entity_id, created_at, updated_at
		 FROM cascades WHERE id = ?`, cascadeID)
	return scanCascade(row)
}

func (s *SQLiteStore) ListOpenCascades(ctx context.Context, sessionID string) ([]model.CascadeChain, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, origin_chunk, last_chunk, pending_count, final_entity_id, created_at, updated_at
		 FROM cascades WHERE session_id = ? AND final_entity_id IS NULL ORDER BY origin_chunk`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list open cascades %s", sessionID)
	}
	defer rows.Close()

	var chains []model.CascadeChain
	for rows.Next() {
		c, err := scanCascade(rows)
		if err != nil {
			return nil, err
		}
		chains = append(chains, *c)
	}
	return chains, eris.Wrap(rows.Err(), "sqlite: list open cascades rows")
}

func (s *SQLiteStore) FinalizeGroup(ctx context.Context, fe *model.FinalEntity) error {
	dataJSON, err := json.Marshal(fe.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal final data")
	}
	rangesJSON, err := json.Marshal(fe.PageRanges)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal final ranges")
	}
	idsJSON, err := json.Marshal(fe.PendingIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pending ids")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin finalize tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO final_entities (id, session_id, cascade_id, data, page_ranges, pending_ids, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fe.ID, fe.SessionID, fe.CascadeID, string(dataJSON), string(rangesJSON), string(idsJSON), now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert final entity %s", fe.ID)
	}

	placeholders := strings.Repeat("?,", len(fe.PendingIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{string(model.PendingStatusCompleted), now}
	for _, id := range fe.PendingIDs {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE pendings SET status = ?, updated_at = ? WHERE id IN (`+placeholders+`)`,
		args...,
	); err != nil {
		return eris.Wrapf(err, "sqlite: complete pendings for %s", fe.ID)
	}

	if fe.CascadeID != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE cascades SET final_entity_id = ?, updated_at = ? WHERE id = ?`,
			fe.ID, now, *fe.CascadeID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: close cascade %s", *fe.CascadeID)
		}
	}

	return eris.Wrapf(tx.Commit(), "sqlite: commit finalize %s", fe.ID)
}

func (s *SQLiteStore) ListFinalEntities(ctx context.Context, sessionID string) ([]model.FinalEntity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, cascade_id, data, page_ranges, pending_ids, created_at
		 FROM final_entities WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list final entities %s", sessionID)
	}
	defer rows.Close()

	var out []model.FinalEntity
	for rows.Next() {
		var fe model.FinalEntity
		var dataJSON, rangesJSON, idsJSON string
		if err := rows.Scan(&fe.ID, &fe.SessionID, &fe.CascadeID, &dataJSON, &rangesJSON, &idsJSON, &fe.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan final entity")
		}
		if err := json.Unmarshal([]byte(dataJSON), &fe.Data); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal final data")
		}
		if err := json.Unmarshal([]byte(rangesJSON), &fe.PageRanges); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal final ranges")
		}
		if err := json.Unmarshal([]byte(idsJSON), &fe.PendingIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal pending ids")
		}
		out = append(out, fe)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list final entities rows")
}

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	var sess model.Session
	var status string
	var errMsg sql.NullString
	if err := row.Scan(&sess.ID, &sess.TotalPages, &sess.ChunkSize, &sess.TotalChunks,
		&sess.CurrentChunk, &status, &errMsg, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, eris.Wrap(ErrNotFound, "session")
		}
		return nil, eris.Wrap(err, "sqlite: scan session")
	}
	sess.Status = model.SessionStatus(status)
	sess.Error = errMsg.String
	return &sess, nil
}

func scanPending(row scannable) (*model.PendingEntity, error) {
	var p model.PendingEntity
	var status string
	var tempID, snippet, expectNext, errMsg sql.NullString
	var dataJSON, rangesJSON string
	if err := row.Scan(&p.ID, &p.SessionID, &tempID, &p.OriginChunk, &p.LastChunk, &p.CascadeID,
		&dataJSON, &rangesJSON, &snippet, &expectNext, &status, &errMsg, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan pending")
	}
	p.TempID = tempID.String
	p.ContextSnippet = snippet.String
	p.ExpectNext = expectNext.String
	p.Status = model.PendingStatus(status)
	p.Error = errMsg.String
	if err := json.Unmarshal([]byte(dataJSON), &p.Data); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal pending data")
	}
	if err := json.Unmarshal([]byte(rangesJSON), &p.PageRanges); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal pending ranges")
	}
	return &p, nil
}

func scanCascade(row scannable) (*model.CascadeChain, error) {
	var c model.CascadeChain
	if err := row.Scan(&c.ID, &c.SessionID, &c.OriginChunk, &c.LastChunk, &c.PendingCount,
		&c.FinalEntityID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, eris.Wrap(ErrNotFound, "cascade")
		}
		return nil, eris.Wrap(err, "sqlite: scan cascade")
	}
	return &c, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
