// Package session drives the chunk loop for one document: strictly
// sequential chunk processing with retry, then reconciliation once every
// chunk is accounted for.
package session

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chartparse/internal/chunk"
	"github.com/sells-group/chartparse/internal/config"
	"github.com/sells-group/chartparse/internal/inference"
	"github.com/sells-group/chartparse/internal/model"
	"github.com/sells-group/chartparse/internal/reconcile"
	"github.com/sells-group/chartparse/internal/resilience"
	"github.com/sells-group/chartparse/internal/store"
)

// Manager owns the lifecycle of extraction sessions.
type Manager struct {
	store      store.Store
	processor  *chunk.Processor
	reconciler *reconcile.Reconciler
	cfg        config.SessionConfig
}

// NewManager creates a Manager.
func NewManager(st store.Store, proc *chunk.Processor, rec *reconcile.Reconciler, cfg config.SessionConfig) *Manager {
	return &Manager{store: st, processor: proc, reconciler: rec, cfg: cfg}
}

// Process runs one document end to end: session creation, the sequential
// chunk loop, and reconciliation. Chunks never run out of order because the
// handoff from chunk n is input to chunk n+1. The first unrecoverable
// chunk failure fails the whole session; partial progress stays durable
// for inspection.
func (m *Manager) Process(ctx context.Context, doc *model.Document) (*model.SessionResult, error) {
	chunkSize := m.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = model.DefaultChunkSize
	}
	totalPages := len(doc.Pages)
	if totalPages == 0 {
		return nil, eris.Errorf("session: document %s has no pages", doc.Name)
	}
	totalChunks := model.ChunkCount(totalPages, chunkSize)

	session, err := m.store.CreateSession(ctx, totalPages, chunkSize, totalChunks)
	if err != nil {
		return nil, eris.Wrap(err, "session: create")
	}
	log := zap.L().With(zap.String("session_id", session.ID), zap.String("document", doc.Name))
	log.Info("session started",
		zap.Int("total_pages", totalPages),
		zap.Int("total_chunks", totalChunks),
	)

	if err := m.store.UpdateSessionStatus(ctx, session.ID, model.SessionStatusProcessing, ""); err != nil {
		return nil, eris.Wrap(err, "session: mark processing")
	}

	started := time.Now()
	var usage model.TokenUsage
	var cost float64
	var handoff *model.HandoffPackage

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = m.cfg.ChunkRetryAttempts
	retryCfg.ShouldRetry = inference.IsRetryable
	retryCfg.OnRetry = resilience.RetryLogger("anthropic", "process_chunk")

	for n := 1; n <= totalChunks; n++ {
		chunkNumber := n
		prior := handoff
		outcome, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*chunk.Outcome, error) {
			return m.processor.ProcessChunk(ctx, session, doc, chunkNumber, prior)
		})
		if err != nil {
			return nil, m.fail(ctx, session.ID, log, eris.Wrapf(err, "session: chunk %d", chunkNumber))
		}

		usage.Add(outcome.Result.TokenUsage)
		cost += outcome.Result.CostUSD
		handoff = outcome.Handoff

		if err := m.store.AdvanceSession(ctx, session.ID, chunkNumber); err != nil {
			return nil, m.fail(ctx, session.ID, log, eris.Wrapf(err, "session: advance past chunk %d", chunkNumber))
		}
	}

	// Every chunk must have left an audit row before merging starts;
	// anything less means lost work, not a reconcilable session.
	recorded, err := m.store.CountChunkResults(ctx, session.ID)
	if err != nil {
		return nil, m.fail(ctx, session.ID, log, eris.Wrap(err, "session: count chunk results"))
	}
	if recorded < totalChunks {
		return nil, m.fail(ctx, session.ID, log,
			eris.Errorf("session: only %d of %d chunks recorded", recorded, totalChunks))
	}

	if err := m.store.UpdateSessionStatus(ctx, session.ID, model.SessionStatusReconciling, ""); err != nil {
		return nil, eris.Wrap(err, "session: mark reconciling")
	}

	recResult, err := m.reconciler.Reconcile(ctx, session.ID, doc.MetadataDate)
	if err != nil {
		return nil, m.fail(ctx, session.ID, log, eris.Wrap(err, "session: reconcile"))
	}

	if err := m.store.UpdateSessionStatus(ctx, session.ID, model.SessionStatusCompleted, ""); err != nil {
		return nil, eris.Wrap(err, "session: mark completed")
	}

	result := &model.SessionResult{
		SessionID:          session.ID,
		FinalEntityIDs:     recResult.FinalEntityIDs,
		AbandonedGroups:    recResult.AbandonedGroups,
		UnresolvedCascades: recResult.UnresolvedCascades,
		TokenUsage:         usage,
		CostUSD:            cost,
		DurationMS:         time.Since(started).Milliseconds(),
	}
	log.Info("session completed",
		zap.Int("final_entities", len(result.FinalEntityIDs)),
		zap.Int("abandoned_groups", len(result.AbandonedGroups)),
		zap.Int("unresolved_cascades", len(result.UnresolvedCascades)),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Float64("cost_usd", cost),
	)
	return result, nil
}

// fail marks the session failed with the cause and returns the cause. The
// status write is best effort.
func (m *Manager) fail(ctx context.Context, sessionID string, log *zap.Logger, cause error) error {
	if err := m.store.UpdateSessionStatus(ctx, sessionID, model.SessionStatusFailed, cause.Error()); err != nil {
		log.Warn("failed to mark session failed", zap.Error(err))
	}
	log.Error("session failed", zap.Error(cause))
	return cause
}
