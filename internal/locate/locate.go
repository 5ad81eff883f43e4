// Package locate resolves a text marker to a concrete vertical position on
// an OCR page. Resolution is a pure function over the page's word boxes; a
// marker that cannot be found is an expected, non-fatal outcome reported as
// a typed NotFoundError.
package locate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chartparse/internal/config"
	"github.com/sells-group/chartparse/internal/model"
)

// RegionHint narrows the marker search to a coarse vertical quartile.
type RegionHint string

const (
	RegionNone        RegionHint = ""
	RegionTop         RegionHint = "top"
	RegionUpperMiddle RegionHint = "upper_middle"
	RegionLowerMiddle RegionHint = "lower_middle"
	RegionBottom      RegionHint = "bottom"
)

// Match is a resolved marker position in page pixel coordinates.
type Match struct {
	YTop       float64 `json:"y_top"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
}

// NotFoundError reports that the marker has no match on the page. Callers
// treat this as a boundary falling between pages rather than mid-page.
type NotFoundError struct {
	Marker string
	Page   int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("locate: marker %q not found on page %d", e.Marker, e.Page)
}

// IsNotFound reports whether err is a marker-not-found outcome.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Resolver finds text markers within OCR pages.
type Resolver struct {
	cfg config.LocateConfig
}

// NewResolver creates a Resolver with the given tuning.
func NewResolver(cfg config.LocateConfig) *Resolver {
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = 0.85
	}
	if cfg.ContextWindowPx <= 0 {
		cfg.ContextWindowPx = 100
	}
	if cfg.MinTextHeightPx <= 0 {
		cfg.MinTextHeightPx = 4
	}
	if cfg.MaxTextHeightPx <= 0 {
		cfg.MaxTextHeightPx = 120
	}
	return &Resolver{cfg: cfg}
}

// fuzzyPenalty scales down the confidence of matches found via edit
// distance rather than exact comparison.
const fuzzyPenalty = 0.8

// exactConfidence is the base confidence for an exact window match.
const exactConfidence = 0.95

// candidate is one potential marker position on the page.
type candidate struct {
	words      []model.Word
	yTop       float64
	height     float64
	confidence float64
}

// Resolve finds the vertical position of marker on the page. The optional
// context string disambiguates between repeated occurrences; hint restricts
// the search to a vertical quartile of the page.
func (r *Resolver) Resolve(marker, context string, hint RegionHint, page model.Page) (*Match, error) {
	markerWords := tokenize(marker)
	if len(markerWords) == 0 {
		return nil, eris.New("locate: empty marker")
	}

	words := restrictToRegion(page.Words(), hint, page.Height)
	if len(words) == 0 {
		return nil, &NotFoundError{Marker: marker, Page: page.Number}
	}

	candidates := findExact(words, markerWords)
	if len(candidates) == 0 {
		candidates = r.findFuzzy(words, markerWords)
	}
	if len(candidates) == 0 {
		return nil, &NotFoundError{Marker: marker, Page: page.Number}
	}

	best := r.disambiguate(candidates, context, words, marker, page.Number)

	// Bounds sanity: a resolved box outside the page or at an impossible
	// text height is a failure, not something to clamp.
	if best.yTop < 0 || best.yTop > page.Height {
		return nil, eris.Errorf("locate: resolved y %.1f outside page height %.1f (page %d)",
			best.yTop, page.Height, page.Number)
	}
	if best.height < r.cfg.MinTextHeightPx || best.height > r.cfg.MaxTextHeightPx {
		return nil, eris.Errorf("locate: resolved text height %.1f outside [%.1f, %.1f] (page %d)",
			best.height, r.cfg.MinTextHeightPx, r.cfg.MaxTextHeightPx, page.Number)
	}

	return &Match{
		YTop:       best.yTop,
		Height:     best.height,
		Confidence: best.confidence,
	}, nil
}

// tokenize normalizes the marker into comparable lowercase words, stripping
// surrounding quotes and punctuation.
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if w := normalizeWord(f); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.Trim(w, `.,;:!?()[]{}"'`))
}

// restrictToRegion keeps only words whose top y falls inside the hinted
// vertical quartile.
func restrictToRegion(words []model.Word, hint RegionHint, pageHeight float64) []model.Word {
	if hint == RegionNone || pageHeight <= 0 {
		return words
	}

	quarter := pageHeight / 4
	var lo, hi float64
	switch hint {
	case RegionTop:
		lo, hi = 0, quarter
	case RegionUpperMiddle:
		lo, hi = quarter, 2*quarter
	case RegionLowerMiddle:
		lo, hi = 2*quarter, 3*quarter
	case RegionBottom:
		lo, hi = 3*quarter, pageHeight
	default:
		return words
	}

	var out []model.Word
	for _, w := range words {
		y := w.TopY()
		if y >= lo && y <= hi {
			out = append(out, w)
		}
	}
	return out
}

// findExact slides a window of the marker's word count across the word set
// looking for case-insensitive matches.
func findExact(words []model.Word, marker []string) []candidate {
	var out []candidate
	for i := 0; i+len(marker) <= len(words); i++ {
		matched := true
		for j, m := range marker {
			if normalizeWord(words[i+j].Text) != m {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, newCandidate(words[i:i+len(marker)], exactConfidence))
		}
	}
	return out
}

// findFuzzy repeats the window scan allowing near-matches via normalized
// edit-distance similarity. Confidence is penalized relative to exact hits.
func (r *Resolver) findFuzzy(words []model.Word, marker []string) []candidate {
	markerText := strings.Join(marker, " ")
	var out []candidate
	for i := 0; i+len(marker) <= len(words); i++ {
		window := words[i : i+len(marker)]
		parts := make([]string, len(window))
		for j, w := range window {
			parts[j] = normalizeWord(w.Text)
		}
		sim := levenshtein.Similarity(strings.Join(parts, " "), markerText, nil)
		if sim >= r.cfg.FuzzyThreshold {
			out = append(out, newCandidate(window, sim*fuzzyPenalty))
		}
	}
	return out
}

func newCandidate(window []model.Word, confidence float64) candidate {
	yTop := window[0].TopY()
	yBottom := window[0].BottomY()
	for _, w := range window[1:] {
		if t := w.TopY(); t < yTop {
			yTop = t
		}
		if b := w.BottomY(); b > yBottom {
			yBottom = b
		}
	}
	return candidate{
		words:      window,
		yTop:       yTop,
		height:     yBottom - yTop,
		confidence: confidence,
	}
}

// disambiguate picks among multiple candidates by scoring context words
// found within a vertical window around each. Without context, or when the
// scores do not separate the candidates, the first match wins with a
// warning.
func (r *Resolver) disambiguate(candidates []candidate, context string, pageWords []model.Word, marker string, pageNum int) candidate {
	if len(candidates) == 1 {
		return candidates[0]
	}

	contextWords := tokenize(context)
	if len(contextWords) == 0 {
		zap.L().Warn("locate: ambiguous marker, no context to disambiguate",
			zap.String("marker", marker),
			zap.Int("page", pageNum),
			zap.Int("candidates", len(candidates)),
		)
		return candidates[0]
	}

	scores := make([]int, len(candidates))
	best := 0
	for i, c := range candidates {
		scores[i] = scoreContext(c, contextWords, pageWords, r.cfg.ContextWindowPx)
		if scores[i] > scores[best] {
			best = i
		}
	}
	tied := false
	for i, s := range scores {
		if i != best && s == scores[best] {
			tied = true
			break
		}
	}

	if scores[best] == 0 || tied {
		zap.L().Warn("locate: ambiguous marker, context gave no useful score difference",
			zap.String("marker", marker),
			zap.Int("page", pageNum),
			zap.Int("candidates", len(candidates)),
		)
		return candidates[0]
	}

	return candidates[best]
}

// scoreContext counts context words appearing within ±windowPx of the
// candidate's vertical extent.
func scoreContext(c candidate, contextWords []string, pageWords []model.Word, windowPx float64) int {
	lo := c.yTop - windowPx
	hi := c.yTop + c.height + windowPx

	nearby := make(map[string]bool)
	for _, w := range pageWords {
		y := w.TopY()
		if y >= lo && y <= hi {
			nearby[normalizeWord(w.Text)] = true
		}
	}

	score := 0
	for _, cw := range contextWords {
		if nearby[cw] {
			score++
		}
	}
	return score
}
