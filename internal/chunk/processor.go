// Package chunk turns one chunk of document pages into pending entities:
// prompt assembly, the inference call, wire-format normalization, cascade
// attachment, coordinate resolution, and the durable audit row.
package chunk

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chartparse/internal/cascade"
	"github.com/sells-group/chartparse/internal/config"
	"github.com/sells-group/chartparse/internal/inference"
	"github.com/sells-group/chartparse/internal/locate"
	"github.com/sells-group/chartparse/internal/model"
	"github.com/sells-group/chartparse/internal/registry"
	"github.com/sells-group/chartparse/internal/resilience"
	"github.com/sells-group/chartparse/internal/store"
)

// Processor runs a single chunk through inference and persists the
// resulting pendings. It is stateless; all chunk-to-chunk state rides in
// the store and the handoff package.
type Processor struct {
	gateway  inference.Gateway
	store    store.Store
	cascades *cascade.Manager
	resolver *locate.Resolver
	registry *registry.Registry
	cfg      config.AnthropicConfig
}

// NewProcessor creates a Processor.
func NewProcessor(gw inference.Gateway, st store.Store, cm *cascade.Manager, res *locate.Resolver, reg *registry.Registry, cfg config.AnthropicConfig) *Processor {
	return &Processor{gateway: gw, store: st, cascades: cm, resolver: res, registry: reg, cfg: cfg}
}

// Outcome is the result of processing one chunk.
type Outcome struct {
	Result  model.ChunkResult
	Handoff *model.HandoffPackage
}

// ProcessChunk processes chunk chunkNumber of the session's document. The
// audit row is written whether the chunk succeeds or fails. Model output
// that fails to parse or validate is reported as transient so the caller's
// retry loop re-asks; a fresh sample usually fixes it.
func (p *Processor) ProcessChunk(ctx context.Context, session *model.Session, doc *model.Document, chunkNumber int, prior *model.HandoffPackage) (*Outcome, error) {
	cr := model.NthChunk(chunkNumber, session.TotalPages, session.ChunkSize)
	pages := pagesFor(doc, cr)
	started := time.Now()

	result := model.ChunkResult{
		SessionID:   session.ID,
		ChunkNumber: chunkNumber,
		PageStart:   cr.Start,
		PageEnd:     cr.End,
	}

	prompt := BuildPrompt(session, chunkNumber, pages, prior, p.registry)
	res, err := p.gateway.Infer(ctx, inference.Request{
		System:      systemPrompt,
		Prompt:      prompt,
		Temperature: &p.cfg.Temperature,
	})
	if err != nil {
		p.recordFailure(ctx, &result, started, err)
		return nil, eris.Wrapf(err, "chunk: inference for chunk %d", chunkNumber)
	}

	result.TokenUsage = model.TokenUsage{InputTokens: res.InputTokens, OutputTokens: res.OutputTokens}
	result.CostUSD = res.CostUSD
	result.RawResponse = res.Content

	entities, err := ParseResponse(res.Content, p.registry)
	if err == nil {
		err = validateChunk(entities, cr, chunkNumber == session.TotalChunks)
	}
	if err != nil {
		p.recordFailure(ctx, &result, started, err)
		return nil, resilience.NewTransientError(err, 0)
	}

	// Positions must be attached before the pendings are written; the
	// stored data blob is what reconciliation merges.
	p.resolvePositions(doc, entities, chunkNumber)

	openPending, err := p.persistEntities(ctx, session, chunkNumber, cr, entities)
	if err != nil {
		p.recordFailure(ctx, &result, started, err)
		return nil, err
	}

	for _, pe := range entities {
		if pe.Status == StatusComplete {
			result.Completed++
		} else {
			result.Continuing++
		}
	}
	result.DurationMS = time.Since(started).Milliseconds()
	if err := p.store.UpsertChunkResult(ctx, result); err != nil {
		return nil, eris.Wrapf(err, "chunk: persist result for chunk %d", chunkNumber)
	}

	var priorRanges []model.PageRange
	if prior != nil && prior.OpenPending != nil {
		priorRanges = prior.OpenPending.PagesSoFar
	}
	handoff := BuildHandoff(entities, openPending, priorRanges)

	zap.L().Info("chunk processed",
		zap.String("session_id", session.ID),
		zap.Int("chunk", chunkNumber),
		zap.Int("completed", result.Completed),
		zap.Int("continuing", result.Continuing),
		zap.Float64("cost_usd", result.CostUSD),
	)
	return &Outcome{Result: result, Handoff: handoff}, nil
}

// recordFailure writes the audit row for a failed chunk. The write is best
// effort; the original failure is what the caller sees.
func (p *Processor) recordFailure(ctx context.Context, result *model.ChunkResult, started time.Time, cause error) {
	result.DurationMS = time.Since(started).Milliseconds()
	result.Error = cause.Error()
	if err := p.store.UpsertChunkResult(ctx, *result); err != nil {
		zap.L().Warn("chunk audit write failed",
			zap.String("session_id", result.SessionID),
			zap.Int("chunk", result.ChunkNumber),
			zap.Error(err),
		)
	}
}

// validateChunk enforces the structural rules the model must obey: every
// range stays inside the chunk, no two entities claim the same page, and
// only the entity holding the chunk's last page may be left open.
func validateChunk(entities []ParsedEntity, cr model.ChunkRange, finalChunk bool) error {
	continuing := 0
	for i, pe := range entities {
		if pe.PageRange.Start < cr.Start || pe.PageRange.End > cr.End {
			return eris.Errorf("entity %d range [%d, %d] outside chunk pages [%d, %d]",
				i, pe.PageRange.Start, pe.PageRange.End, cr.Start, cr.End)
		}
		for j := i + 1; j < len(entities); j++ {
			if pe.PageRange.Overlaps(entities[j].PageRange) {
				return eris.Errorf("entity %d and %d claim overlapping pages", i, j)
			}
		}
		if pe.Status == StatusContinuing {
			continuing++
			if pe.PageRange.End != cr.End {
				return eris.Errorf("entity %d is continuing but ends on page %d, not the chunk's last page %d",
					i, pe.PageRange.End, cr.End)
			}
			if finalChunk {
				return eris.Errorf("entity %d is continuing but this is the final chunk", i)
			}
		}
	}
	if continuing > 1 {
		return eris.Errorf("%d continuing entities; at most one may cross the chunk boundary", continuing)
	}
	return nil
}

// persistEntities writes one pending per parsed entity and maintains the
// cascade chains. It returns the pending left open for the next chunk's
// handoff, if any.
//
// An entity marked complete whose range still touches the chunk's last page
// is upgraded to open: boundary placement at exactly the chunk edge is the
// model's least reliable call, so the next chunk gets a chance to claim a
// continuation. The reconciler treats a one-pending chain as a plain
// singleton, so a wrong upgrade costs nothing.
func (p *Processor) persistEntities(ctx context.Context, session *model.Session, chunkNumber int, cr model.ChunkRange, entities []ParsedEntity) (*model.PendingEntity, error) {
	var open *model.PendingEntity
	finalChunk := chunkNumber == session.TotalChunks

	var priorPendings []model.PendingEntity
	for _, pe := range entities {
		if pe.ContinuesTempID != "" {
			var err error
			priorPendings, err = p.store.ListPendings(ctx, session.ID, model.PendingStatusPending)
			if err != nil {
				return nil, eris.Wrap(err, "chunk: load prior pendings")
			}
			break
		}
	}

	for i, pe := range entities {
		pending := &model.PendingEntity{
			ID:             cascade.DerivePendingID(session.ID, chunkNumber, i),
			SessionID:      session.ID,
			OriginChunk:    chunkNumber,
			LastChunk:      chunkNumber,
			Data:           pe.Data,
			PageRanges:     []model.PageRange{pe.PageRange},
			ContextSnippet: pe.Snippet,
			Status:         model.PendingStatusPending,
		}

		switch {
		case pe.ContinuesTempID != "":
			prior := findByTempID(priorPendings, pe.ContinuesTempID)
			if prior == nil || prior.CascadeID == nil {
				return nil, resilience.NewTransientError(
					eris.Errorf("chunk: entity %d continues unknown temp id %q", i, pe.ContinuesTempID), 0)
			}
			pending.CascadeID = prior.CascadeID
			pending.OriginChunk = prior.OriginChunk
			if err := p.cascades.RecordContinuation(ctx, *prior.CascadeID, chunkNumber); err != nil {
				return nil, err
			}

		case pe.Status == StatusContinuing || (!finalChunk && pe.PageRange.End == cr.End):
			id := cascade.DeriveID(session.ID, chunkNumber, i, pe.Data.Type)
			pending.CascadeID = &id
			if err := p.cascades.TrackOpen(ctx, id, session.ID, chunkNumber); err != nil {
				return nil, err
			}
		}

		if pe.Continuing != nil {
			pending.TempID = pe.Continuing.TempID
			pending.ExpectNext = pe.Continuing.ExpectNext
		} else if pe.Status == StatusContinuing || (pe.PageRange.End == cr.End && !finalChunk) {
			// Upgraded or re-opened entity without a declared temp id gets a
			// synthetic one so the next chunk can reference it.
			if pe.ContinuesTempID != "" {
				pending.TempID = pe.ContinuesTempID
			} else {
				pending.TempID = fmt.Sprintf("t%d-%d", chunkNumber, i)
			}
		}

		if err := p.store.UpsertPending(ctx, pending); err != nil {
			return nil, eris.Wrapf(err, "chunk: persist pending %s", pending.ID)
		}

		if !finalChunk && pe.PageRange.End == cr.End {
			open = pending
		}
	}
	return open, nil
}

// resolvePositions attaches marker-resolved coordinates to each entity's
// data. A marker that cannot be found means the boundary sits between
// pages; geometry failures are logged, never fatal.
func (p *Processor) resolvePositions(doc *model.Document, entities []ParsedEntity, chunkNumber int) {
	for i := range entities {
		pe := &entities[i]
		start := p.resolveBoundary(doc, pe.StartMarker, pe.PageRange.Start, chunkNumber)
		end := p.resolveBoundary(doc, pe.EndMarker, pe.PageRange.End, chunkNumber)
		pe.Data.Position = &model.Position{
			Start:      start,
			End:        end,
			Confidence: positionConfidence(start, end),
		}
	}
}

func (p *Processor) resolveBoundary(doc *model.Document, m Marker, pageNum, chunkNumber int) model.Boundary {
	between := model.Boundary{Page: pageNum, MidPage: false}
	if m.Empty() {
		return between
	}
	page := pageByNumber(doc, pageNum)
	if page == nil {
		return between
	}

	match, err := p.resolver.Resolve(m.Text, m.Context, locate.RegionHint(m.Region), *page)
	if err != nil {
		if !locate.IsNotFound(err) {
			zap.L().Warn("marker resolution failed",
				zap.Int("chunk", chunkNumber),
				zap.Int("page", pageNum),
				zap.String("marker", m.Text),
				zap.Error(err),
			)
		}
		return between
	}
	return model.Boundary{Page: pageNum, Y: match.YTop, MidPage: true, Confidence: match.Confidence}
}

func positionConfidence(start, end model.Boundary) float64 {
	conf := 1.0
	if start.MidPage && start.Confidence < conf {
		conf = start.Confidence
	}
	if end.MidPage && end.Confidence < conf {
		conf = end.Confidence
	}
	return conf
}

func pagesFor(doc *model.Document, cr model.ChunkRange) []model.Page {
	out := make([]model.Page, 0, cr.End-cr.Start+1)
	for _, pg := range doc.Pages {
		if pg.Number >= cr.Start && pg.Number <= cr.End {
			out = append(out, pg)
		}
	}
	return out
}

func pageByNumber(doc *model.Document, n int) *model.Page {
	for i := range doc.Pages {
		if doc.Pages[i].Number == n {
			return &doc.Pages[i]
		}
	}
	return nil
}

func findByTempID(pendings []model.PendingEntity, tempID string) *model.PendingEntity {
	for i := len(pendings) - 1; i >= 0; i-- {
		if pendings[i].TempID == tempID {
			return &pendings[i]
		}
	}
	return nil
}
