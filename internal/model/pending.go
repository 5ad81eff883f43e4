package model

import "time"

// PendingStatus represents the lifecycle of a pending entity.
type PendingStatus string

const (
	PendingStatusPending   PendingStatus = "pending"
	PendingStatusCompleted PendingStatus = "completed"
	PendingStatusAbandoned PendingStatus = "abandoned"
)

// PendingEntity is an immutable partial candidate detected within one
// chunk. Pendings sharing a cascade id are merged into one FinalEntity
// during reconciliation; a nil CascadeID means the entity is self-contained
// within its originating chunk.
type PendingEntity struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"session_id"`
	TempID         string        `json:"temp_id,omitempty"`
	OriginChunk    int           `json:"origin_chunk"`
	LastChunk      int           `json:"last_chunk"`
	CascadeID      *string       `json:"cascade_id,omitempty"`
	Data           EntityData    `json:"data"`
	PageRanges     []PageRange   `json:"page_ranges"`
	ContextSnippet string        `json:"context_snippet,omitempty"`
	ExpectNext     string        `json:"expect_next,omitempty"`
	Status         PendingStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// CascadeChain tracks a multi-chunk entity from first detection through
// reconciliation. The id is derived deterministically from the origin
// chunk, so continuations seen in later chunks resolve to the same chain.
type CascadeChain struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	OriginChunk   int       `json:"origin_chunk"`
	LastChunk     int       `json:"last_chunk"`
	PendingCount  int       `json:"pending_count"`
	FinalEntityID *string   `json:"final_entity_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Completed reports whether the chain has been closed by reconciliation.
func (c CascadeChain) Completed() bool {
	return c.FinalEntityID != nil
}

// FinalEntity is the reconciled output of one cascade group. Exactly one
// FinalEntity exists per group, including singleton groups, and it
// references every pending that fed it.
type FinalEntity struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	CascadeID  *string     `json:"cascade_id,omitempty"`
	Data       EntityData  `json:"data"`
	PageRanges []PageRange `json:"page_ranges"`
	PendingIDs []string    `json:"pending_ids"`
	CreatedAt  time.Time   `json:"created_at"`
}
