package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var (
	ErrInvalidRule     = errors.New("invalid recurrence rule")
	ErrInvalidInterval = errors.New("recurrence interval must be a positive integer")
	ErrUntilBeforeBase = errors.New("recurrence end date is before the series anchor")
	ErrUnsupportedRule = errors.New("unsupported recurrence rule")
)

// Frequency is the base repetition unit of a rule.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
	FreqYearly  Frequency = "yearly"
	FreqCustom  Frequency = "custom"
)

// ValidFrequencies contains all known frequency values.
var ValidFrequencies = map[Frequency]bool{
	FreqDaily:   true,
	FreqWeekly:  true,
	FreqMonthly: true,
	FreqYearly:  true,
	FreqCustom:  true,
}

// IsValid returns true if the frequency is a known value.
func (f Frequency) IsValid() bool {
	return ValidFrequencies[f]
}

// Rule describes how a series repeats. A Rule is immutable once attached to
// a series; editing the recurrence of a series replaces the rule and starts
// a new expansion.
//
// Termination is either open-ended (Until nil, Count zero), by end date
// (occurrences on or after Until are excluded), or by occurrence count
// (Count occurrences from the anchor, independent of any query window).
type Rule struct {
	Frequency Frequency  `json:"frequency"`
	Interval  int        `json:"interval"`
	Until     *time.Time `json:"until,omitempty"`
	Count     int        `json:"count,omitempty"`

	// Weekdays and MonthDays constrain custom-frequency rules. A custom rule
	// walks calendar days from the anchor and keeps dates matching the
	// constraint sets; Interval then keeps every n-th match.
	Weekdays  []time.Weekday `json:"weekdays,omitempty"`
	MonthDays []int          `json:"month_days,omitempty"`
}

// Validate rejects malformed rules at creation time so they never reach the
// expander.
func (r Rule) Validate(anchor time.Time) error {
	if !r.Frequency.IsValid() {
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidRule, r.Frequency)
	}
	if r.Interval < 1 {
		return ErrInvalidInterval
	}
	if r.Until != nil && r.Count > 0 {
		return fmt.Errorf("%w: both end date and occurrence count set", ErrInvalidRule)
	}
	if r.Until != nil && !r.Until.After(anchor) {
		return ErrUntilBeforeBase
	}
	if r.Count < 0 {
		return fmt.Errorf("%w: negative occurrence count", ErrInvalidRule)
	}
	if r.Frequency == FreqCustom {
		if len(r.Weekdays) == 0 && len(r.MonthDays) == 0 {
			return fmt.Errorf("%w: custom frequency requires weekday or day-of-month constraints", ErrInvalidRule)
		}
		for _, d := range r.MonthDays {
			if d < 1 || d > 31 {
				return fmt.Errorf("%w: day-of-month %d out of range", ErrInvalidRule, d)
			}
		}
	} else if len(r.Weekdays) > 0 || len(r.MonthDays) > 0 {
		return fmt.Errorf("%w: weekday/day-of-month constraints only apply to custom frequency", ErrInvalidRule)
	}
	return nil
}

// IsRecurring reports whether the rule produces more than one occurrence.
func (r Rule) IsRecurring() bool {
	return r.Count != 1
}

var freqToRRule = map[Frequency]rrule.Frequency{
	FreqDaily:   rrule.DAILY,
	FreqWeekly:  rrule.WEEKLY,
	FreqMonthly: rrule.MONTHLY,
	FreqYearly:  rrule.YEARLY,
}

var rruleToFreq = map[rrule.Frequency]Frequency{
	rrule.DAILY:   FreqDaily,
	rrule.WEEKLY:  FreqWeekly,
	rrule.MONTHLY: FreqMonthly,
	rrule.YEARLY:  FreqYearly,
}

var weekdayToRRule = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// ToRRule formats the rule as an RFC 5545 RRULE value for export to the
// external calendar service. Custom rules are expressed as DAILY with
// BYDAY/BYMONTHDAY filters, which is the closest RRULE equivalent.
func (r Rule) ToRRule(anchor time.Time) (string, error) {
	opt := rrule.ROption{
		Dtstart:  anchor,
		Interval: r.Interval,
	}
	if r.Frequency == FreqCustom {
		opt.Freq = rrule.DAILY
		for _, wd := range r.Weekdays {
			opt.Byweekday = append(opt.Byweekday, weekdayToRRule[wd])
		}
		opt.Bymonthday = append(opt.Bymonthday, r.MonthDays...)
	} else {
		f, ok := freqToRRule[r.Frequency]
		if !ok {
			return "", fmt.Errorf("%w: frequency %q", ErrUnsupportedRule, r.Frequency)
		}
		opt.Freq = f
	}
	if r.Until != nil {
		opt.Until = r.Until.UTC()
	}
	if r.Count > 0 {
		opt.Count = r.Count
	}
	if _, err := rrule.NewRRule(opt); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnsupportedRule, err)
	}
	// Property value only, no DTSTART; callers carry the anchor separately.
	return opt.RRuleString(), nil
}

// FromRRule parses an RFC 5545 RRULE value from the external calendar
// service into a Rule. Unsupported RRULE features are rejected so that
// imported series never carry semantics the expander cannot reproduce.
func FromRRule(value string) (Rule, error) {
	opt, err := rrule.StrToROption(strings.TrimPrefix(value, "RRULE:"))
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %w", ErrUnsupportedRule, err)
	}

	r := Rule{Interval: opt.Interval}
	if r.Interval < 1 {
		r.Interval = 1
	}
	if opt.Count > 0 {
		r.Count = opt.Count
	}
	if !opt.Until.IsZero() {
		u := opt.Until
		r.Until = &u
	}

	hasFilters := len(opt.Byweekday) > 0 || len(opt.Bymonthday) > 0
	if hasFilters {
		r.Frequency = FreqCustom
		for _, wd := range opt.Byweekday {
			if wd.N() != 0 {
				return Rule{}, fmt.Errorf("%w: positional BYDAY %q", ErrUnsupportedRule, value)
			}
			// rrule weekdays are MO=0..SU=6; time.Weekday is Sunday=0.
			r.Weekdays = append(r.Weekdays, time.Weekday((wd.Day()+1)%7))
		}
		for _, d := range opt.Bymonthday {
			if d < 1 {
				return Rule{}, fmt.Errorf("%w: negative BYMONTHDAY %q", ErrUnsupportedRule, value)
			}
			r.MonthDays = append(r.MonthDays, d)
		}
		sort.Slice(r.Weekdays, func(i, j int) bool { return r.Weekdays[i] < r.Weekdays[j] })
		sort.Ints(r.MonthDays)
		return r, nil
	}

	f, ok := rruleToFreq[opt.Freq]
	if !ok {
		return Rule{}, fmt.Errorf("%w: frequency in %q", ErrUnsupportedRule, value)
	}
	r.Frequency = f
	return r, nil
}
