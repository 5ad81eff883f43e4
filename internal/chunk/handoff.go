package chunk

import (
	"github.com/sells-group/chartparse/internal/dates"
	"github.com/sells-group/chartparse/internal/model"
)

const (
	maxRecentNames     = 5
	maxRecentCompleted = 5
)

// BuildHandoff derives the context package carried into the next chunk's
// prompt from this chunk's parsed entities. openPending is the persisted
// pending for the at-most-one continuing entity, nil when the chunk closed
// clean; its accumulated page ranges span the whole chain so far.
func BuildHandoff(entities []ParsedEntity, openPending *model.PendingEntity, priorOpenRanges []model.PageRange) *model.HandoffPackage {
	h := &model.HandoffPackage{}

	if openPending != nil {
		ranges := append(append([]model.PageRange{}, priorOpenRanges...), openPending.PageRanges...)
		h.OpenPending = &model.PendingSummary{
			TempID:     openPending.TempID,
			Type:       openPending.Data.Type,
			PagesSoFar: model.NormalizeRanges(ranges),
			Summary:    openPending.Data.Summary,
			ExpectNext: openPending.ExpectNext,
		}
		if openPending.Data.Type == "inpatient_admission" {
			h.ActiveContext.OpenAdmission = openPending.Data.Summary
		}
	}

	for _, pe := range entities {
		if p := pe.Data.Provider; p != "" {
			h.ActiveContext.RecentProviders = appendRecent(h.ActiveContext.RecentProviders, p)
		}
		if f := pe.Data.Facility; f != "" {
			h.ActiveContext.RecentFacilities = appendRecent(h.ActiveContext.RecentFacilities, f)
		}
		if pe.Status == StatusComplete && pe.Data.Summary != "" {
			h.RecentCompleted = appendCapped(h.RecentCompleted, pe.Data.Summary, maxRecentCompleted)
		}
	}

	h.ActiveContext.LastConfidentDate = lastConfidentDate(entities)
	h.ActiveContext.OrderingPattern = orderingPattern(entities)
	return h
}

// lastConfidentDate returns the latest-seen start date that normalizes
// without ambiguity.
func lastConfidentDate(entities []ParsedEntity) string {
	last := ""
	for _, pe := range entities {
		if pe.Data.StartDate == nil {
			continue
		}
		p, err := dates.Parse(pe.Data.StartDate.Raw)
		if err != nil || p.Ambiguous {
			continue
		}
		last = p.ISO
	}
	return last
}

// orderingPattern classifies how the document orders its dated entries, a
// hint that helps the model sanity-check dates in the next chunk.
func orderingPattern(entities []ParsedEntity) string {
	var isos []string
	for _, pe := range entities {
		if pe.Data.StartDate == nil {
			continue
		}
		p, err := dates.Parse(pe.Data.StartDate.Raw)
		if err != nil || p.Ambiguous {
			continue
		}
		isos = append(isos, p.ISO)
	}
	if len(isos) < 2 {
		return ""
	}

	asc, desc := true, true
	for i := 1; i < len(isos); i++ {
		if isos[i] < isos[i-1] {
			asc = false
		}
		if isos[i] > isos[i-1] {
			desc = false
		}
	}
	switch {
	case asc:
		return "chronological"
	case desc:
		return "reverse_chronological"
	default:
		return "mixed"
	}
}

func appendRecent(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return appendCapped(list, v, maxRecentNames)
}

func appendCapped(list []string, v string, limit int) []string {
	list = append(list, v)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}
