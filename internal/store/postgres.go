package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/chartparse/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock's pool
// interface satisfies it for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool creates a PostgresStore around an existing pool.
// Used by tests to inject pgxmock.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	total_pages   INTEGER NOT NULL,
	chunk_size    INTEGER NOT NULL,
	total_chunks  INTEGER NOT NULL,
	current_chunk INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'initialized',
	error         TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chunk_results (
	session_id    TEXT NOT NULL REFERENCES sessions(id),
	chunk_number  INTEGER NOT NULL,
	page_start    INTEGER NOT NULL,
	page_end      INTEGER NOT NULL,
	completed     INTEGER NOT NULL DEFAULT 0,
	continuing    INTEGER NOT NULL DEFAULT 0,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	raw_response  TEXT,
	error         TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, chunk_number)
);

CREATE TABLE IF NOT EXISTS pendings (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(id),
	temp_id         TEXT,
	origin_chunk    INTEGER NOT NULL,
	last_chunk      INTEGER NOT NULL,
	cascade_id      TEXT,
	data            JSONB NOT NULL,
	page_ranges     JSONB NOT NULL,
	context_snippet TEXT,
	expect_next     TEXT,
	status          TEXT NOT NULL DEFAULT 'pending',
	error           TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cascades (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(id),
	origin_chunk    INTEGER NOT NULL,
	last_chunk      INTEGER NOT NULL,
	pending_count   INTEGER NOT NULL DEFAULT 0,
	final_entity_id TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS final_entities (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	cascade_id  TEXT,
	data        JSONB NOT NULL,
	page_ranges JSONB NOT NULL,
	pending_ids JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_pendings_session ON pendings(session_id, status);
CREATE INDEX IF NOT EXISTS idx_pendings_cascade ON pendings(cascade_id);
CREATE INDEX IF NOT EXISTS idx_cascades_session ON cascades(session_id);
CREATE INDEX IF NOT EXISTS idx_final_entities_session ON final_entities(session_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, totalPages, chunkSize, totalChunks int) (*model.Session, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, total_pages, chunk_size, total_chunks, current_chunk, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $7)`,
		id, totalPages, chunkSize, totalChunks, string(model.SessionStatusInitialized), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
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

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), nullableString(errMsg), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session status %s", sessionID)
	}
	return checkCommandTag(tag, "session", sessionID)
}

func (s *PostgresStore) AdvanceSession(ctx context.Context, sessionID string, currentChunk int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET current_chunk = $1, updated_at = $2 WHERE id = $3`,
		currentChunk, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: advance session %s", sessionID)
	}
	return checkCommandTag(tag, "session", sessionID)
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, total_pages, chunk_size, total_chunks, current_chunk, status, error, created_at, updated_at
		 FROM sessions WHERE id = $1`, sessionID)
	return scanPgSession(row)
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT id, total_pages, chunk_size, total_chunks, current_chunk, status, error, created_at, updated_at
	          FROM sessions`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions rows")
}

func (s *PostgresStore) UpsertChunkResult(ctx context.Context, res model.ChunkResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chunk_results (session_id, chunk_number, page_start, page_end, completed, continuing,
		     input_tokens, output_tokens, cost_usd, duration_ms, raw_response, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (session_id, chunk_number) DO UPDATE SET
		     completed = EXCLUDED.completed,
		     continuing = EXCLUDED.continuing,
		     input_tokens = EXCLUDED.input_tokens,
		     output_tokens = EXCLUDED.output_tokens,
		     cost_usd = EXCLUDED.cost_usd,
		     duration_ms = EXCLUDED.duration_ms,
		     raw_response = EXCLUDED.raw_response,
		     error = EXCLUDED.error`,
		res.SessionID, res.ChunkNumber, res.PageStart, res.PageEnd, res.Completed, res.Continuing,
		res.TokenUsage.InputTokens, res.TokenUsage.OutputTokens, res.CostUSD, res.DurationMS,
		nullableString(res.RawResponse), nullableString(res.Error), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert chunk result %s/%d", res.SessionID, res.ChunkNumber)
}

func (s *PostgresStore) CountChunkResults(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chunk_results WHERE session_id = $1 AND error IS NULL`, sessionID,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count chunk results %s", sessionID)
}

func (s *PostgresStore) UpsertPending(ctx context.Context, p *model.PendingEntity) error {
	dataJSON, err := json.Marshal(p.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pending data")
	}
	rangesJSON, err := json.Marshal(p.PageRanges)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pending ranges")
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO pendings (id, session_id, temp_id, origin_chunk, last_chunk, cascade_id, data,
		     page_ranges, context_snippet, expect_next, status, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		     last_chunk = EXCLUDED.last_chunk,
		     data = EXCLUDED.data,
		     page_ranges = EXCLUDED.page_ranges,
		     context_snippet = EXCLUDED.context_snippet,
		     expect_next = EXCLUDED.expect_next,
		     status = EXCLUDED.status,
		     error = EXCLUDED.error,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.SessionID, nullableString(p.TempID), p.OriginChunk, p.LastChunk, p.CascadeID,
		dataJSON, rangesJSON, nullableString(p.ContextSnippet), nullableString(p.ExpectNext),
		string(p.Status), nullableString(p.Error), now, now,
	)
	return eris.Wrapf(err, "postgres: upsert pending %s", p.ID)
}

func (s *PostgresStore) ListPendings(ctx context.Context, sessionID string, status model.PendingStatus) ([]model.PendingEntity, error) {
	query := `SELECT id, session_id, temp_id, origin_chunk, last_chunk, cascade_id, data, page_ranges,
	          context_snippet, expect_next, status, error, created_at, updated_at
	          FROM pendings WHERE session_id = $1`
	args := []any{sessionID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY origin_chunk, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list pendings %s", sessionID)
	}
	defer rows.Close()

	var pendings []model.PendingEntity
	for rows.Next() {
		p, err := scanPgPending(rows)
		if err != nil {
			return nil, err
		}
		pendings = append(pendings, *p)
	}
	return pendings, eris.Wrap(rows.Err(), "postgres: list pendings rows")
}

func (s *PostgresStore) MarkPendingsAbandoned(ctx context.Context, pendingIDs []string, reason string) error {
	if len(pendingIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE pendings SET status = $1, error = $2, updated_at = $3 WHERE id = ANY($4)`,
		string(model.PendingStatusAbandoned), reason, time.Now().UTC(), pendingIDs,
	)
	return eris.Wrap(err, "postgres: mark pendings abandoned")
}

func (s *PostgresStore) UpsertCascade(ctx context.Context, c *model.CascadeChain) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cascades (id, session_id, origin_chunk, last_chunk, pending_count, final_entity_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.SessionID, c.OriginChunk, c.LastChunk, c.PendingCount, c.FinalEntityID, now, now,
	)
	return eris.Wrapf(err, "postgres: upsert cascade %s", c.ID)
}

func (s *PostgresStore) BumpCascade(ctx context.Context, cascadeID string, lastChunk int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cascades SET pending_count = pending_count + 1, last_chunk = $1, updated_at = $2 WHERE id = $3 AND last_chunk < $1`,
		lastChunk, time.Now().UTC(), cascadeID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: bump cascade %s", cascadeID)
	}
	if tag.RowsAffected() == 0 {
		// Zero rows is either a replay of an already-counted chunk or a
		// missing chain; only the latter is an error.
		if _, err := s.GetCascade(ctx, cascadeID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetCascade(ctx context.Context, cascadeID string) (*model.CascadeChain, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, origin_chunk, last_chunk, pending_count, final_entity_id, created_at, updated_at
		 FROM cascades WHERE id = $1`, cascadeID)
	return scanPgCascade(row)
}

func (s *PostgresStore) ListOpenCascades(ctx context.Context, sessionID string) ([]model.CascadeChain, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, origin_chunk, last_chunk, pending_count, final_entity_id, created_at, updated_at
		 FROM cascades WHERE session_id = $1 AND final_entity_id IS NULL ORDER BY origin_chunk`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list open cascades %s", sessionID)
	}
	defer rows.Close()

	var chains []model.CascadeChain
	for rows.Next() {
		c, err := scanPgCascade(rows)
		if err != nil {
			return nil, err
		}
		chains = append(chains, *c)
	}
	return chains, eris.Wrap(rows.Err(), "postgres: list open cascades rows")
}

func (s *PostgresStore) FinalizeGroup(ctx context.Context, fe *model.FinalEntity) error {
	dataJSON, err := json.Marshal(fe.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal final data")
	}
	rangesJSON, err := json.Marshal(fe.PageRanges)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal final ranges")
	}
	idsJSON, err := json.Marshal(fe.PendingIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pending ids")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin finalize tx")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO final_entities (id, session_id, cascade_id, data, page_ranges, pending_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		fe.ID, fe.SessionID, fe.CascadeID, dataJSON, rangesJSON, idsJSON, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert final entity %s", fe.ID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE pendings SET status = $1, updated_at = $2 WHERE id = ANY($3)`,
		string(model.PendingStatusCompleted), now, fe.PendingIDs,
	); err != nil {
		return eris.Wrapf(err, "postgres: complete pendings for %s", fe.ID)
	}

	if fe.CascadeID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE cascades SET final_entity_id = $1, updated_at = $2 WHERE id = $3`,
			fe.ID, now, *fe.CascadeID,
		); err != nil {
			return eris.Wrapf(err, "postgres: close cascade %s", *fe.CascadeID)
		}
	}

	return eris.Wrapf(tx.Commit(ctx), "postgres: commit finalize %s", fe.ID)
}

func (s *PostgresStore) ListFinalEntities(ctx context.Context, sessionID string) ([]model.FinalEntity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, cascade_id, data, page_ranges, pending_ids, created_at
		 FROM final_entities WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list final entities %s", sessionID)
	}
	defer rows.Close()

	var out []model.FinalEntity
	for rows.Next() {
		var fe model.FinalEntity
		var dataJSON, rangesJSON, idsJSON []byte
		if err := rows.Scan(&fe.ID, &fe.SessionID, &fe.CascadeID, &dataJSON, &rangesJSON, &idsJSON, &fe.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan final entity")
		}
		if err := json.Unmarshal(dataJSON, &fe.Data); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal final data")
		}
		if err := json.Unmarshal(rangesJSON, &fe.PageRanges); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal final ranges")
		}
		if err := json.Unmarshal(idsJSON, &fe.PendingIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal pending ids")
		}
		out = append(out, fe)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list final entities rows")
}

// --- scan helpers ---

func scanPgSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	var status string
	var errMsg *string
	if err := row.Scan(&sess.ID, &sess.TotalPages, &sess.ChunkSize, &sess.TotalChunks,
		&sess.CurrentChunk, &status, &errMsg, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "session")
		}
		return nil, eris.Wrap(err, "postgres: scan session")
	}
	sess.Status = model.SessionStatus(status)
	if errMsg != nil {
		sess.Error = *errMsg
	}
	return &sess, nil
}

func scanPgPending(row pgx.Row) (*model.PendingEntity, error) {
	var p model.PendingEntity
	var status string
	var tempID, snippet, expectNext, errMsg *string
	var dataJSON, rangesJSON []byte
	if err := row.Scan(&p.ID, &p.SessionID, &tempID, &p.OriginChunk, &p.LastChunk, &p.CascadeID,
		&dataJSON, &rangesJSON, &snippet, &expectNext, &status, &errMsg, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, eris.Wrap(err, "postgres: scan pending")
	}
	p.Status = model.PendingStatus(status)
	if tempID != nil {
		p.TempID = *tempID
	}
	if snippet != nil {
		p.ContextSnippet = *snippet
	}
	if expectNext != nil {
		p.ExpectNext = *expectNext
	}
	if errMsg != nil {
		p.Error = *errMsg
	}
	if err := json.Unmarshal(dataJSON, &p.Data); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pending data")
	}
	if err := json.Unmarshal(rangesJSON, &p.PageRanges); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pending ranges")
	}
	return &p, nil
}

func scanPgCascade(row pgx.Row) (*model.CascadeChain, error) {
	var c model.CascadeChain
	if err := row.Scan(&c.ID, &c.SessionID, &c.OriginChunk, &c.LastChunk, &c.PendingCount,
		&c.FinalEntityID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "cascade")
		}
		return nil, eris.Wrap(err, "postgres: scan cascade")
	}
	return &c, nil
}

func checkCommandTag(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

