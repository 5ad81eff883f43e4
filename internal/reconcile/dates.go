package reconcile

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/chartparse/internal/dates"
	"github.com/sells-group/chartparse/internal/model"
)

func collectDates(pendings []model.PendingEntity, pick func(model.EntityData) *model.EntityDate) []*model.EntityDate {
	var out []*model.EntityDate
	for _, p := range pendings {
		if d := pick(p.Data); d != nil {
			out = append(out, d)
		}
	}
	return out
}

// mergeDates normalizes each candidate and keeps the best by source rank,
// preferring unambiguous readings within a rank and earlier candidates on
// ties. Calendar-invalid candidates are dropped, never corrected. When no
// candidate survives and metadataDate is set, it backfills at
// file-metadata quality.
func mergeDates(candidates []*model.EntityDate, metadataDate string) *model.EntityDate {
	var best *model.EntityDate
	for _, c := range candidates {
		n := normalized(c)
		if n == nil {
			continue
		}
		if best == nil || betterDate(n, best) {
			best = n
		}
	}
	if best != nil {
		return best
	}

	if metadataDate != "" {
		fallback := &model.EntityDate{Raw: metadataDate, Source: model.DateSourceMetadata}
		if n := normalized(fallback); n != nil {
			return n
		}
	}
	return nil
}

// mergeBirthDates additionally rejects dates outside a plausible lifetime.
func mergeBirthDates(candidates []*model.EntityDate) *model.EntityDate {
	var survivors []*model.EntityDate
	for _, c := range candidates {
		n := normalized(c)
		if n == nil {
			continue
		}
		if err := dates.ValidateBirth(n.ISO, time.Now()); err != nil {
			zap.L().Debug("birth date rejected", zap.String("raw", c.Raw), zap.Error(err))
			continue
		}
		survivors = append(survivors, n)
	}
	var best *model.EntityDate
	for _, s := range survivors {
		if best == nil || betterDate(s, best) {
			best = s
		}
	}
	return best
}

func normalized(d *model.EntityDate) *model.EntityDate {
	c := *d
	if err := dates.Normalize(&c); err != nil {
		zap.L().Debug("date rejected during merge", zap.String("raw", d.Raw), zap.Error(err))
		return nil
	}
	return &c
}

// betterDate reports whether a outranks b: higher source rank first, then
// unambiguous over ambiguous. Equal quality keeps the incumbent.
func betterDate(a, b *model.EntityDate) bool {
	if a.Source.Rank() != b.Source.Rank() {
		return a.Source.Rank() > b.Source.Rank()
	}
	return !a.Ambiguous && b.Ambiguous
}
