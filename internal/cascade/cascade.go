// Package cascade derives deterministic identifiers for cross-chunk
// entities and tracks open/closed cascade chains in durable storage.
package cascade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chartparse/internal/model"
	"github.com/sells-group/chartparse/internal/store"
)

// DeriveID computes the stable cascade id for an entity first detected at
// (originChunk, originIndex). Continuations seen in later chunks re-derive
// with the origin coordinates carried by the temporary id mapping, so they
// always resolve to the same id.
func DeriveID(sessionID string, originChunk, originIndex int, entityType string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d|%s", sessionID, originChunk, originIndex, entityType))
	return "csc_" + hex.EncodeToString(sum[:12])
}

// DerivePendingID computes the stable pending id for the candidate at
// position index within chunkNumber. Reprocessing the same chunk yields the
// same id, so retries upsert instead of duplicating rows.
func DerivePendingID(sessionID string, chunkNumber, index int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|c%d|i%d", sessionID, chunkNumber, index))
	return "pnd_" + hex.EncodeToString(sum[:12])
}

// Manager tracks cascade chain lifecycle against the durable store.
type Manager struct {
	store store.Store
}

// NewManager creates a Manager.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// TrackOpen creates the chain record for a newly detected cascade. The
// insert is idempotent; reprocessing the origin chunk is a no-op.
func (m *Manager) TrackOpen(ctx context.Context, cascadeID, sessionID string, originChunk int) error {
	err := m.store.UpsertCascade(ctx, &model.CascadeChain{
		ID:           cascadeID,
		SessionID:    sessionID,
		OriginChunk:  originChunk,
		LastChunk:    originChunk,
		PendingCount: 1,
	})
	if err != nil {
		return eris.Wrapf(err, "cascade: track open %s", cascadeID)
	}
	zap.L().Debug("cascade opened",
		zap.String("cascade_id", cascadeID),
		zap.String("session_id", sessionID),
		zap.Int("origin_chunk", originChunk),
	)
	return nil
}

// RecordContinuation increments the chain's pending count as a continuation
// arrives in lastChunk. Replays of a chunk already counted leave the chain
// untouched, so a retried chunk cannot inflate the count.
func (m *Manager) RecordContinuation(ctx context.Context, cascadeID string, lastChunk int) error {
	if err := m.store.BumpCascade(ctx, cascadeID, lastChunk); err != nil {
		return eris.Wrapf(err, "cascade: record continuation %s", cascadeID)
	}
	return nil
}

// ValidateCompletion checks that a merge is accounting for at least as many
// pendings as the chain tracked. It guards against a caller silently
// dropping pendings during merge; the chain itself is closed inside the
// store's atomic FinalizeGroup write.
func (m *Manager) ValidateCompletion(ctx context.Context, cascadeID string, mergedPendingCount int) error {
	chain, err := m.store.GetCascade(ctx, cascadeID)
	if err != nil {
		return eris.Wrapf(err, "cascade: validate completion %s", cascadeID)
	}
	if chain.Completed() {
		return eris.Errorf("cascade: %s already completed by %s", cascadeID, *chain.FinalEntityID)
	}
	if mergedPendingCount < chain.PendingCount {
		return eris.Errorf("cascade: %s merged %d pendings but chain tracked %d",
			cascadeID, mergedPendingCount, chain.PendingCount)
	}
	return nil
}
