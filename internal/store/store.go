package store

import (
	"context"
	"errors"

	"github.com/sells-group/chartparse/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status model.SessionStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for the extraction engine.
// Writes are keyed by natural identity so chunk retries upsert rather than
// duplicate rows.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, totalPages, chunkSize, totalChunks int) (*model.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus, errMsg string) error
	AdvanceSession(ctx context.Context, sessionID string, currentChunk int) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)

	// Chunk results (audit rows, one per processed chunk)
	UpsertChunkResult(ctx context.Context, res model.ChunkResult) error
	CountChunkResults(ctx context.Context, sessionID string) (int, error)

	// Pendings
	UpsertPending(ctx context.Context, p *model.PendingEntity) error
	ListPendings(ctx context.Context, sessionID string, status model.PendingStatus) ([]model.PendingEntity, error)
	MarkPendingsAbandoned(ctx context.Context, pendingIDs []string, reason string) error

	// Cascade chains
	UpsertCascade(ctx context.Context, c *model.CascadeChain) error
	// BumpCascade increments the chain's pending count and advances
	// last_chunk. A bump for a chunk at or before last_chunk is a replayed
	// continuation and is a no-op.
	BumpCascade(ctx context.Context, cascadeID string, lastChunk int) error
	GetCascade(ctx context.Context, cascadeID string) (*model.CascadeChain, error)
	ListOpenCascades(ctx context.Context, sessionID string) ([]model.CascadeChain, error)

	// FinalizeGroup atomically writes the final entity, marks every
	// contributing pending completed, and closes the cascade chain if the
	// group had one. Either the whole merge lands or none of it does.
	FinalizeGroup(ctx context.Context, fe *model.FinalEntity) error
	ListFinalEntities(ctx context.Context, sessionID string) ([]model.FinalEntity, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
