package model

import "time"

// DefaultChunkSize is the number of pages sent to the model per chunk.
const DefaultChunkSize = 50

// ChunkRange is an immutable, inclusive, 1-indexed page range for one chunk.
type ChunkRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ChunkCount returns ceil(totalPages / chunkSize).
func ChunkCount(totalPages, chunkSize int) int {
	if totalPages <= 0 || chunkSize <= 0 {
		return 0
	}
	return (totalPages + chunkSize - 1) / chunkSize
}

// NthChunk returns the page range for chunk n (1-indexed). The final chunk
// is clamped to the document's last page.
func NthChunk(n, totalPages, chunkSize int) ChunkRange {
	start := (n-1)*chunkSize + 1
	end := n * chunkSize
	if end > totalPages {
		end = totalPages
	}
	return ChunkRange{Start: start, End: end}
}

// ChunkResult is the audit record persisted for every processed chunk,
// regardless of outcome. RawResponse keeps the model's unparsed output for
// debugging.
type ChunkResult struct {
	SessionID    string     `json:"session_id"`
	ChunkNumber  int        `json:"chunk_number"`
	PageStart    int        `json:"page_start"`
	PageEnd      int        `json:"page_end"`
	Completed    int        `json:"completed"`
	Continuing   int        `json:"continuing"`
	TokenUsage   TokenUsage `json:"token_usage"`
	CostUSD      float64    `json:"cost_usd"`
	DurationMS   int64      `json:"duration_ms"`
	RawResponse  string     `json:"raw_response,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
