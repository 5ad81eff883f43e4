package model

import "time"

// SessionStatus represents the lifecycle state of an extraction session.
type SessionStatus string

const (
	SessionStatusInitialized SessionStatus = "initialized"
	SessionStatusProcessing  SessionStatus = "processing"
	SessionStatusReconciling SessionStatus = "reconciling"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusFailed      SessionStatus = "failed"
)

// Session tracks the progressive extraction of one scanned document.
// One session exists per document; the chunk loop advances CurrentChunk
// strictly sequentially.
type Session struct {
	ID           string        `json:"id"`
	TotalPages   int           `json:"total_pages"`
	ChunkSize    int           `json:"chunk_size"`
	TotalChunks  int           `json:"total_chunks"`
	CurrentChunk int           `json:"current_chunk"`
	Status       SessionStatus `json:"status"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// SessionResult is the terminal outcome of processing one document.
type SessionResult struct {
	SessionID          string     `json:"session_id"`
	FinalEntityIDs     []string   `json:"final_entity_ids"`
	AbandonedGroups    []string   `json:"abandoned_groups,omitempty"`
	UnresolvedCascades []string   `json:"unresolved_cascades,omitempty"`
	TokenUsage         TokenUsage `json:"token_usage"`
	CostUSD            float64    `json:"cost_usd"`
	DurationMS         int64      `json:"duration_ms"`
}

// TokenUsage accumulates token counts across chunk calls.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates another usage into the receiver.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
