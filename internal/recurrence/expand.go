// Package recurrence expands recurrence rules into concrete dated
// occurrences. Expansion is deterministic and pure: the same rule, anchor,
// window and exception set always yield the same occurrence list, so it is
// safe to call concurrently for different series without synchronization.
package recurrence

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidWindow = errors.New("window end is before window start")

// DateLayout is the civil-date key format used to match exceptions against
// generated occurrences.
const DateLayout = "2006-01-02"

// DateKey returns the exception key for an occurrence start instant, taken
// as a civil date in the instant's location.
func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}

// Status describes how an occurrence was produced.
type Status string

const (
	StatusGenerated Status = "generated"
	StatusModified  Status = "modified"
	StatusCancelled Status = "cancelled"
)

// Occurrence is one concrete instance of a series inside a query window.
// Sequence is the global index from the series anchor (the anchor itself is
// sequence 0), independent of the query window, so count-based termination
// holds across partial window queries.
type Occurrence struct {
	SeriesID string    `json:"series_id"`
	Sequence int       `json:"sequence"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Status   Status    `json:"status"`
	Payload  string    `json:"payload,omitempty"`
}

// ID returns the stable occurrence identifier, derived from the series and
// the global sequence index.
func (o Occurrence) ID() string {
	return fmt.Sprintf("%s:%d", o.SeriesID, o.Sequence)
}

// Exception overrides one generated occurrence, keyed by the series and the
// original occurrence date. A cancellation suppresses the date permanently;
// a replacement substitutes its stored time and/or payload. Exceptions
// always win over the generator for their date.
type Exception struct {
	SeriesID     string     `json:"series_id"`
	OriginalDate string     `json:"original_date"` // DateLayout
	Cancelled    bool       `json:"cancelled"`
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
	Payload      string     `json:"payload,omitempty"`
}

// Expand generates the occurrences of one series whose start instants fall
// inside [windowStart, windowEnd). Cancelled dates are dropped from the
// output; replaced dates keep their slot with the exception's payload.
//
// Monthly and yearly expansion that lands on a non-existent calendar date
// (day 31 in a 30-day month, Feb 29 off leap years) clamps to the last
// valid day of that month. This is deliberate policy, not an accident of
// the date arithmetic.
func Expand(seriesID string, rule Rule, anchor time.Time, duration time.Duration, windowStart, windowEnd time.Time, exceptions []Exception) ([]Occurrence, error) {
	if windowEnd.Before(windowStart) {
		return nil, ErrInvalidWindow
	}
	if err := rule.Validate(anchor); err != nil {
		return nil, err
	}

	exByDate := make(map[string]Exception, len(exceptions))
	for _, ex := range exceptions {
		if ex.SeriesID == "" || ex.SeriesID == seriesID {
			exByDate[ex.OriginalDate] = ex
		}
	}

	next := startIterator(rule, anchor)
	out := make([]Occurrence, 0)

	for seq := 0; ; seq++ {
		if rule.Count > 0 && seq >= rule.Count {
			break
		}
		start, ok := next()
		if !ok {
			break
		}
		if rule.Until != nil && !start.Before(*rule.Until) {
			break
		}
		// Starts are monotonically increasing, so the first start at or past
		// the window end terminates the scan.
		if !start.Before(windowEnd) {
			break
		}
		if start.Before(windowStart) {
			continue
		}

		occ := Occurrence{
			SeriesID: seriesID,
			Sequence: seq,
			Start:    start,
			End:      start.Add(duration),
			Status:   StatusGenerated,
		}

		if ex, found := exByDate[DateKey(start)]; found {
			if ex.Cancelled {
				continue
			}
			occ.Status = StatusModified
			occ.Payload = ex.Payload
			if ex.Start != nil {
				occ.Start = *ex.Start
				occ.End = occ.Start.Add(duration)
			}
			if ex.End != nil {
				occ.End = *ex.End
			}
		}

		out = append(out, occ)
	}

	return out, nil
}

// SequenceOf returns the global sequence index for the occurrence starting
// on the given date, or -1 if the rule never generates that date. Used to
// key single-occurrence edits back to their series slot.
func SequenceOf(rule Rule, anchor time.Time, date time.Time) int {
	next := startIterator(rule, anchor)
	key := DateKey(date)
	for seq := 0; ; seq++ {
		if rule.Count > 0 && seq >= rule.Count {
			return -1
		}
		start, ok := next()
		if !ok {
			return -1
		}
		if rule.Until != nil && !start.Before(*rule.Until) {
			return -1
		}
		if DateKey(start) == key {
			return seq
		}
		if start.After(date) {
			return -1
		}
	}
}

// startIterator returns a closure producing successive occurrence start
// instants from the anchor, with the rule's interval already applied.
func startIterator(rule Rule, anchor time.Time) func() (time.Time, bool) {
	switch rule.Frequency {
	case FreqDaily:
		n := 0
		return func() (time.Time, bool) {
			t := anchor.AddDate(0, 0, n*rule.Interval)
			n++
			return t, true
		}
	case FreqWeekly:
		n := 0
		return func() (time.Time, bool) {
			t := anchor.AddDate(0, 0, n*rule.Interval*7)
			n++
			return t, true
		}
	case FreqMonthly:
		n := 0
		return func() (time.Time, bool) {
			t := addMonthsClamped(anchor, n*rule.Interval)
			n++
			return t, true
		}
	case FreqYearly:
		n := 0
		return func() (time.Time, bool) {
			t := addMonthsClamped(anchor, n*rule.Interval*12)
			n++
			return t, true
		}
	case FreqCustom:
		return customIterator(rule, anchor)
	default:
		return func() (time.Time, bool) { return time.Time{}, false }
	}
}

// customIterator walks calendar days from the anchor, keeps days matching
// the rule's weekday/day-of-month sets, and yields every interval-th match.
// Matching days are at most a few weeks apart for any valid constraint set;
// the scan cap only guards against pathological inputs.
func customIterator(rule Rule, anchor time.Time) func() (time.Time, bool) {
	const maxScanDays = 3 * 366

	weekdays := make(map[time.Weekday]bool, len(rule.Weekdays))
	for _, wd := range rule.Weekdays {
		weekdays[wd] = true
	}
	monthDays := make(map[int]bool, len(rule.MonthDays))
	for _, d := range rule.MonthDays {
		monthDays[d] = true
	}

	matches := func(t time.Time) bool {
		if len(weekdays) > 0 && !weekdays[t.Weekday()] {
			return false
		}
		if len(monthDays) > 0 && !monthDays[t.Day()] {
			return false
		}
		return true
	}

	cursor := anchor
	matchIndex := 0
	return func() (time.Time, bool) {
		for scanned := 0; scanned < maxScanDays; {
			for ; scanned < maxScanDays; scanned++ {
				if matches(cursor) {
					break
				}
				cursor = cursor.AddDate(0, 0, 1)
			}
			if scanned >= maxScanDays {
				return time.Time{}, false
			}
			keep := matchIndex%rule.Interval == 0
			t := cursor
			matchIndex++
			cursor = cursor.AddDate(0, 0, 1)
			if keep {
				return t, true
			}
		}
		return time.Time{}, false
	}
}

// addMonthsClamped adds months to t, clamping the day of month to the last
// valid day of the target month instead of letting the date normalize into
// the following month.
func addMonthsClamped(t time.Time, months int) time.Time {
	firstOfTarget := time.Date(t.Year(), t.Month()+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	day := t.Day()
	if last := daysIn(firstOfTarget.Year(), firstOfTarget.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// daysIn returns the number of days in the given month.
func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
