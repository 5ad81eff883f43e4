// Package reconcile merges the pendings accumulated across a session's
// chunks into final entities. Each cascade group (and each self-contained
// pending) resolves independently; a bad group is abandoned for human
// review without poisoning its neighbors.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chartparse/internal/cascade"
	"github.com/sells-group/chartparse/internal/model"
	"github.com/sells-group/chartparse/internal/store"
)

// Result reports what reconciliation produced for one session.
type Result struct {
	FinalEntityIDs     []string
	AbandonedGroups    []string
	UnresolvedCascades []string
}

// Reconciler turns a session's pendings into final entities.
type Reconciler struct {
	store    store.Store
	cascades *cascade.Manager
}

// NewReconciler creates a Reconciler.
func NewReconciler(st store.Store, cm *cascade.Manager) *Reconciler {
	return &Reconciler{store: st, cascades: cm}
}

// Reconcile loads every open pending for the session, groups them by
// cascade id, validates and merges each group, and finalizes the survivors
// atomically. metadataDate, when non-empty, backfills entities that carry
// no document date at all. Groups are processed in deterministic order.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID, metadataDate string) (*Result, error) {
	pendings, err := r.store.ListPendings(ctx, sessionID, model.PendingStatusPending)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: load pendings")
	}

	groups := groupPendings(pendings)
	out := &Result{}

	for _, g := range groups {
		if reason := validateGroup(g); reason != "" {
			if err := r.abandon(ctx, g, reason, out); err != nil {
				return nil, err
			}
			continue
		}

		fe := mergeGroup(sessionID, g, metadataDate)

		if g.cascadeID != nil {
			if err := r.cascades.ValidateCompletion(ctx, *g.cascadeID, len(g.pendings)); err != nil {
				if err := r.abandon(ctx, g, err.Error(), out); err != nil {
					return nil, err
				}
				continue
			}
		}

		if err := r.store.FinalizeGroup(ctx, fe); err != nil {
			return nil, eris.Wrapf(err, "reconcile: finalize group %s", fe.ID)
		}
		out.FinalEntityIDs = append(out.FinalEntityIDs, fe.ID)

		// A chain whose newest pending still promises more content is an
		// orphan: the continuation never arrived. The entity is finalized
		// from what did arrive, but the chain is surfaced for review.
		if g.cascadeID != nil {
			if last := g.pendings[len(g.pendings)-1]; last.ExpectNext != "" {
				out.UnresolvedCascades = append(out.UnresolvedCascades, *g.cascadeID)
				zap.L().Warn("cascade finalized with unmet continuation",
					zap.String("cascade_id", *g.cascadeID),
					zap.String("final_entity_id", fe.ID),
					zap.String("expected", last.ExpectNext),
				)
			}
		}
	}

	// Chains still open after every group resolved point at continuations
	// that never arrived (or arrived in abandoned groups).
	open, err := r.store.ListOpenCascades(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: list open cascades")
	}
	for _, c := range open {
		out.UnresolvedCascades = append(out.UnresolvedCascades, c.ID)
	}
	if len(out.UnresolvedCascades) > 0 {
		zap.L().Warn("session has unresolved cascades",
			zap.String("session_id", sessionID),
			zap.Strings("cascade_ids", out.UnresolvedCascades),
		)
	}

	return out, nil
}

func (r *Reconciler) abandon(ctx context.Context, g group, reason string, out *Result) error {
	ids := make([]string, len(g.pendings))
	for i, p := range g.pendings {
		ids[i] = p.ID
	}
	if err := r.store.MarkPendingsAbandoned(ctx, ids, reason); err != nil {
		return eris.Wrapf(err, "reconcile: abandon group %s", g.key())
	}
	out.AbandonedGroups = append(out.AbandonedGroups, g.key())
	zap.L().Warn("group abandoned",
		zap.String("group", g.key()),
		zap.Int("pendings", len(g.pendings)),
		zap.String("reason", reason),
	)
	return nil
}

// group is the unit of reconciliation: all pendings sharing a cascade id,
// or a single self-contained pending.
type group struct {
	cascadeID *string
	pendings  []model.PendingEntity
}

func (g group) key() string {
	if g.cascadeID != nil {
		return *g.cascadeID
	}
	return g.pendings[0].ID
}

// groupPendings partitions pendings into groups ordered by first page for
// deterministic output.
func groupPendings(pendings []model.PendingEntity) []group {
	byID := make(map[string]*group)
	var groups []*group

	for _, p := range pendings {
		if p.CascadeID == nil {
			groups = append(groups, &group{pendings: []model.PendingEntity{p}})
			continue
		}
		if g, ok := byID[*p.CascadeID]; ok {
			g.pendings = append(g.pendings, p)
			continue
		}
		id := *p.CascadeID
		g := &group{cascadeID: &id, pendings: []model.PendingEntity{p}}
		byID[id] = g
		groups = append(groups, g)
	}

	for _, g := range groups {
		sort.Slice(g.pendings, func(i, j int) bool {
			return g.pendings[i].LastChunk < g.pendings[j].LastChunk
		})
	}
	sort.Slice(groups, func(i, j int) bool {
		return firstPage(groups[i].pendings) < firstPage(groups[j].pendings)
	})

	out := make([]group, len(groups))
	for i, g := range groups {
		out[i] = *g
	}
	return out
}

func firstPage(pendings []model.PendingEntity) int {
	first := int(^uint(0) >> 1)
	for _, p := range pendings {
		for _, r := range p.PageRanges {
			if r.Start < first {
				first = r.Start
			}
		}
	}
	return first
}

// validateGroup returns a non-empty reason when the group cannot be merged:
// members must agree on entity type and arrive in non-decreasing chunk
// order. Two pendings from the same chunk are legitimate (both may
// reference the same open temp id).
func validateGroup(g group) string {
	typ := g.pendings[0].Data.Type
	for _, p := range g.pendings[1:] {
		if p.Data.Type != typ {
			return "members disagree on entity type: " + typ + " vs " + p.Data.Type
		}
	}
	for i := 1; i < len(g.pendings); i++ {
		if g.pendings[i].LastChunk < g.pendings[i-1].LastChunk {
			return "members are out of chunk order"
		}
	}
	return ""
}

// mergeGroup folds a validated group into one FinalEntity. The id is
// derived from the member ids, so re-running reconciliation produces the
// same entity.
func mergeGroup(sessionID string, g group, metadataDate string) *model.FinalEntity {
	pendingIDs := make([]string, len(g.pendings))
	var ranges []model.PageRange
	for i, p := range g.pendings {
		pendingIDs[i] = p.ID
		ranges = append(ranges, p.PageRanges...)
	}

	fe := &model.FinalEntity{
		ID:         deriveFinalID(sessionID, pendingIDs),
		SessionID:  sessionID,
		CascadeID:  g.cascadeID,
		Data:       mergeData(g.pendings, metadataDate),
		PageRanges: model.NormalizeRanges(ranges),
		PendingIDs: pendingIDs,
	}
	return fe
}

func deriveFinalID(sessionID string, pendingIDs []string) string {
	sum := sha256.Sum256([]byte(sessionID + "|" + strings.Join(pendingIDs, "|")))
	return "ent_" + hex.EncodeToString(sum[:12])
}

// mergeData combines member data blobs. Identity strings keep the longest
// non-empty value, calendar anchoring is sticky (any member anchored
// anchors the whole), confidence averages, and dates merge by source
// quality.
func mergeData(pendings []model.PendingEntity, metadataDate string) model.EntityData {
	data := model.EntityData{Type: pendings[0].Data.Type}

	var confSum float64
	for _, p := range pendings {
		d := p.Data
		data.Provider = longest(data.Provider, d.Provider)
		data.Facility = longest(data.Facility, d.Facility)
		data.PatientName = longest(data.PatientName, d.PatientName)
		data.PatientAddress = longest(data.PatientAddress, d.PatientAddress)
		data.ChiefComplaint = longest(data.ChiefComplaint, d.ChiefComplaint)
		data.Summary = joinSummaries(data.Summary, d.Summary)
		data.CalendarAnchored = data.CalendarAnchored || d.CalendarAnchored
		confSum += d.Confidence
	}
	data.Confidence = confSum / float64(len(pendings))

	data.StartDate = mergeDates(collectDates(pendings, func(d model.EntityData) *model.EntityDate { return d.StartDate }), metadataDate)
	if data.StartDate == nil {
		// Last-resort tier: the processing date, ranked below everything
		// else so any later evidence outranks it.
		today := time.Now().UTC().Format("2006-01-02")
		data.StartDate = &model.EntityDate{Raw: today, ISO: today, Source: model.DateSourceFallback}
	}
	data.EndDate = mergeDates(collectDates(pendings, func(d model.EntityData) *model.EntityDate { return d.EndDate }), "")
	data.PatientDOB = mergeBirthDates(collectDates(pendings, func(d model.EntityData) *model.EntityDate { return d.PatientDOB }))

	data.Position = mergePositions(pendings)
	return data
}

func mergePositions(pendings []model.PendingEntity) *model.Position {
	first := pendings[0].Data.Position
	last := pendings[len(pendings)-1].Data.Position
	if first == nil || last == nil {
		return nil
	}
	conf := first.Confidence
	if last.Confidence < conf {
		conf = last.Confidence
	}
	return &model.Position{Start: first.Start, End: last.End, Confidence: conf}
}

func longest(a, b string) string {
	if len(b) > len(a) {
		return b
	}
	return a
}

func joinSummaries(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || b == a:
		return a
	default:
		return a + " " + b
	}
}
