package model

import (
	"sort"
)

// DateSource ranks where a date value came from. Document-extracted dates
// outrank file-metadata dates, which outrank the current-date fallback.
type DateSource string

const (
	DateSourceDocument DateSource = "document"
	DateSourceMetadata DateSource = "file_metadata"
	DateSourceFallback DateSource = "fallback"
)

// Rank returns the merge precedence of the source (higher wins).
func (s DateSource) Rank() int {
	switch s {
	case DateSourceDocument:
		return 3
	case DateSourceMetadata:
		return 2
	case DateSourceFallback:
		return 1
	default:
		return 0
	}
}

// EntityDate is a normalized date candidate with its quality metadata.
// Ambiguity discovered during normalization is preserved here rather than
// discarded.
type EntityDate struct {
	Raw       string     `json:"raw,omitempty"`
	ISO       string     `json:"iso"` // YYYY-MM-DD
	Source    DateSource `json:"source"`
	Ambiguous bool       `json:"ambiguous,omitempty"`
}

// Boundary is a resolved vertical position for an entity edge. MidPage is
// false when the boundary falls between pages (marker not found on-page).
type Boundary struct {
	Page       int     `json:"page"`
	Y          float64 `json:"y,omitempty"`
	MidPage    bool    `json:"mid_page"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Position is the spatial extent of an entity within the document.
type Position struct {
	Start      Boundary `json:"start"`
	End        Boundary `json:"end"`
	Confidence float64  `json:"confidence"`
}

// EntityData is the canonical partial data blob carried by pendings and
// final entities. External response field variants are mapped onto this
// shape at the chunk-processor boundary; nothing downstream sees the wire
// format.
type EntityData struct {
	Type             string      `json:"type"`
	StartDate        *EntityDate `json:"start_date,omitempty"`
	EndDate          *EntityDate `json:"end_date,omitempty"`
	Provider         string      `json:"provider,omitempty"`
	Facility         string      `json:"facility,omitempty"`
	Summary          string      `json:"summary,omitempty"`
	Confidence       float64     `json:"confidence"`
	PatientName      string      `json:"patient_name,omitempty"`
	PatientDOB       *EntityDate `json:"patient_dob,omitempty"`
	PatientAddress   string      `json:"patient_address,omitempty"`
	ChiefComplaint   string      `json:"chief_complaint,omitempty"`
	CalendarAnchored bool        `json:"calendar_anchored"`
	Position         *Position   `json:"position,omitempty"`
}

// PageRange is an inclusive, 1-indexed page span claimed by an entity.
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Normalized returns the range with inverted bounds corrected.
func (r PageRange) Normalized() PageRange {
	if r.Start > r.End {
		return PageRange{Start: r.End, End: r.Start}
	}
	return r
}

// Contains reports whether page p falls inside the range.
func (r PageRange) Contains(p int) bool {
	r = r.Normalized()
	return p >= r.Start && p <= r.End
}

// Overlaps reports whether the two ranges share at least one page.
func (r PageRange) Overlaps(other PageRange) bool {
	r = r.Normalized()
	other = other.Normalized()
	return r.Start <= other.End && other.Start <= r.End
}

// NormalizeRanges sorts the ranges, corrects inverted bounds, and merges
// overlapping or adjacent spans into their union.
func NormalizeRanges(ranges []PageRange) []PageRange {
	if len(ranges) == 0 {
		return nil
	}
	norm := make([]PageRange, len(ranges))
	for i, r := range ranges {
		norm[i] = r.Normalized()
	}
	sort.Slice(norm, func(i, j int) bool {
		if norm[i].Start != norm[j].Start {
			return norm[i].Start < norm[j].Start
		}
		return norm[i].End < norm[j].End
	})

	merged := []PageRange{norm[0]}
	for _, r := range norm[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// RangesOverlap reports whether any range in a overlaps any range in b.
func RangesOverlap(a, b []PageRange) bool {
	for _, ra := range a {
		for _, rb := range b {
			if ra.Overlaps(rb) {
				return true
			}
		}
	}
	return false
}
