// Package dates normalizes dates as written in scanned documents into ISO
// form. Purely numeric dates with both fields <= 12 are genuinely ambiguous
// between day-first and month-first readings; the day-first reading wins by
// default and the result is flagged so reviewers can see the coin flip.
package dates

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chartparse/internal/model"
)

// Parsed is a normalized date.
type Parsed struct {
	ISO       string // YYYY-MM-DD
	Ambiguous bool   // true when day/month order was guessed
}

var (
	isoRe     = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	numericRe = regexp.MustCompile(`^(\d{1,4})[/.\-](\d{1,2})[/.\-](\d{1,4})$`)
)

// textLayouts cover dates written out with month names; these carry no
// day/month ambiguity.
var textLayouts = []string{
	"January 2, 2006",
	"January 2 2006",
	"2 January 2006",
	"2 January, 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"January 2006",
	"Jan 2006",
}

// Parse normalizes a date string as written in a document. Calendar-invalid
// dates (e.g. "31/02/2024") are an error, never silently corrected.
func Parse(raw string) (Parsed, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Parsed{}, eris.New("dates: empty date")
	}

	if m := isoRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if !validCalendar(y, mo, d) {
			return Parsed{}, eris.Errorf("dates: invalid calendar date %q", raw)
		}
		return Parsed{ISO: s}, nil
	}

	for _, layout := range textLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Parsed{ISO: t.Format("2006-01-02")}, nil
		}
	}

	if m := numericRe.FindStringSubmatch(s); m != nil {
		return parseNumeric(raw, m[1], m[2], m[3])
	}

	return Parsed{}, eris.Errorf("dates: unrecognized date format %q", raw)
}

// parseNumeric disambiguates a three-part numeric date. A field greater
// than 12 must be the day; when both candidate fields fit as a month the
// day-first reading wins and the result is flagged ambiguous.
func parseNumeric(raw, as, bs, cs string) (Parsed, error) {
	a, _ := strconv.Atoi(as)
	b, _ := strconv.Atoi(bs)
	c, _ := strconv.Atoi(cs)

	var year, first, second int
	switch {
	case len(as) == 4:
		// YYYY/a/b is year-month-day by convention.
		if !validCalendar(a, b, c) {
			return Parsed{}, eris.Errorf("dates: invalid calendar date %q", raw)
		}
		return Parsed{ISO: isoString(a, b, c)}, nil
	case len(cs) == 4:
		year, first, second = c, a, b
	default:
		year, first, second = expandYear(c), a, b
	}

	var day, month int
	ambiguous := false
	switch {
	case first > 12 && second > 12:
		return Parsed{}, eris.Errorf("dates: invalid calendar date %q", raw)
	case first > 12:
		day, month = first, second
	case second > 12:
		day, month = second, first
	case first == second:
		day, month = first, second
	default:
		day, month = first, second
		ambiguous = true
	}

	if !validCalendar(year, month, day) {
		return Parsed{}, eris.Errorf("dates: invalid calendar date %q", raw)
	}
	return Parsed{ISO: isoString(year, month, day), Ambiguous: ambiguous}, nil
}

// expandYear widens a two-digit year. Records reach back a full lifetime,
// so the pivot leans toward the 1900s.
func expandYear(yy int) int {
	if yy >= 50 {
		return 1900 + yy
	}
	return 2000 + yy
}

func validCalendar(year, month, day int) bool {
	if year < 1 || month < 1 || month > 12 || day < 1 {
		return false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Year() == year && int(t.Month()) == month && t.Day() == day
}

func isoString(year, month, day int) string {
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

// Normalize fills an EntityDate's ISO and Ambiguous fields in place from
// its Raw value. A nil date is a no-op.
func Normalize(d *model.EntityDate) error {
	if d == nil || d.Raw == "" {
		return nil
	}
	p, err := Parse(d.Raw)
	if err != nil {
		return err
	}
	d.ISO = p.ISO
	d.Ambiguous = p.Ambiguous
	return nil
}

// maxLifetimeYears bounds a plausible patient lifetime for birth dates.
const maxLifetimeYears = 120

// ValidateBirth rejects a normalized birth date outside a plausible
// lifetime window relative to now.
func ValidateBirth(iso string, now time.Time) error {
	t, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return eris.Wrapf(err, "dates: birth date %q", iso)
	}
	if t.After(now) {
		return eris.Errorf("dates: birth date %s is in the future", iso)
	}
	if t.Before(now.AddDate(-maxLifetimeYears, 0, 0)) {
		return eris.Errorf("dates: birth date %s exceeds plausible lifetime", iso)
	}
	return nil
}
