package recurrence

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}

func mustExpand(t *testing.T, seriesID string, rule Rule, anchor time.Time, dur time.Duration, ws, we time.Time, exs []Exception) []Occurrence {
	t.Helper()
	occs, err := Expand(seriesID, rule, anchor, dur, ws, we, exs)
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	return occs
}

func TestExpandDaily(t *testing.T) {
	anchor := date(2025, time.March, 1)

	t.Run("interval spacing is exact", func(t *testing.T) {
		rule := Rule{Frequency: FreqDaily, Interval: 3}
		occs := mustExpand(t, "s1", rule, anchor, time.Hour,
			anchor, anchor.AddDate(0, 0, 30), nil)

		if len(occs) == 0 {
			t.Fatal("expected occurrences")
		}
		for i, occ := range occs {
			want := anchor.AddDate(0, 0, i*3)
			if !occ.Start.Equal(want) {
				t.Errorf("occurrence %d: expected start %v, got %v", i, want, occ.Start)
			}
			if occ.Sequence != i {
				t.Errorf("occurrence %d: expected sequence %d, got %d", i, i, occ.Sequence)
			}
			if !occ.End.Equal(occ.Start.Add(time.Hour)) {
				t.Errorf("occurrence %d: wrong end %v", i, occ.End)
			}
		}
	})

	t.Run("all occurrences fall inside the window", func(t *testing.T) {
		rule := Rule{Frequency: FreqDaily, Interval: 1}
		ws := anchor.AddDate(0, 0, 10)
		we := anchor.AddDate(0, 0, 20)
		occs := mustExpand(t, "s1", rule, anchor, time.Hour, ws, we, nil)

		if len(occs) != 10 {
			t.Fatalf("expected 10 occurrences, got %d", len(occs))
		}
		for _, occ := range occs {
			if occ.Start.Before(ws) || !occ.Start.Before(we) {
				t.Errorf("occurrence %v outside window [%v, %v)", occ.Start, ws, we)
			}
		}
		// Window offset must not reset the global sequence index.
		if occs[0].Sequence != 10 {
			t.Errorf("expected first sequence 10, got %d", occs[0].Sequence)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		rule := Rule{Frequency: FreqDaily, Interval: 2}
		a := mustExpand(t, "s1", rule, anchor, time.Hour, anchor, anchor.AddDate(0, 1, 0), nil)
		b := mustExpand(t, "s1", rule, anchor, time.Hour, anchor, anchor.AddDate(0, 1, 0), nil)
		if len(a) != len(b) {
			t.Fatalf("expected identical results, got %d vs %d", len(a), len(b))
		}
		for i := range a {
			if a[i] != b[i] {
				t.Errorf("occurrence %d differs: %+v vs %+v", i, a[i], b[i])
			}
		}
	})
}

func TestExpandMonthlyClamping(t *testing.T) {
	t.Run("day 31 clamps to last day of shorter months", func(t *testing.T) {
		anchor := date(2025, time.January, 31)
		rule := Rule{Frequency: FreqMonthly, Interval: 1}
		occs := mustExpand(t, "s1", rule, anchor, time.Hour,
			anchor, date(2025, time.May, 1), nil)

		want := []time.Time{
			date(2025, time.January, 31),
			date(2025, time.February, 28),
			date(2025, time.March, 31),
			date(2025, time.April, 30),
		}
		if len(occs) != len(want) {
			t.Fatalf("expected %d occurrences, got %d", len(want), len(occs))
		}
		for i, w := range want {
			if !occs[i].Start.Equal(w) {
				t.Errorf("occurrence %d: expected %v, got %v", i, w, occs[i].Start)
			}
		}
	})

	t.Run("february 29 clamps off leap years", func(t *testing.T) {
		anchor := date(2024, time.February, 29)
		rule := Rule{Frequency: FreqYearly, Interval: 1}
		occs := mustExpand(t, "s1", rule, anchor, time.Hour,
			anchor, date(2026, time.March, 1), nil)

		if len(occs) != 3 {
			t.Fatalf("expected 3 occurrences, got %d", len(occs))
		}
		if !occs[1].Start.Equal(date(2025, time.February, 28)) {
			t.Errorf("expected 2025-02-28, got %v", occs[1].Start)
		}
		if !occs[2].Start.Equal(date(2026, time.February, 28)) {
			t.Errorf("expected 2026-02-28, got %v", occs[2].Start)
		}
	})
}

func TestExpandTermination(t *testing.T) {
	anchor := date(2025, time.June, 2)

	t.Run("count stops after N from the anchor", func(t *testing.T) {
		rule := Rule{Frequency: FreqWeekly, Interval: 1, Count: 5}
		occs := mustExpand(t, "s1", rule, anchor, time.Hour,
			anchor, anchor.AddDate(1, 0, 0), nil)
		if len(occs) != 5 {
			t.Fatalf("expected 5 occurrences, got %d", len(occs))
		}
	})

	t.Run("count holds when the window skips the anchor", func(t *testing.T) {
		// Window covers only weeks 3..10; the count of 5 is global, so just
		// occurrences 3 and 4 remain.
		rule := Rule{Frequency: FreqWeekly, Interval: 1, Count: 5}
		occs := mustExpand(t, "s1", rule, anchor, time.Hour,
			anchor.AddDate(0, 0, 21), anchor.AddDate(0, 0, 70), nil)
		if len(occs) != 2 {
			t.Fatalf("expected 2 occurrences, got %d", len(occs))
		}
		if occs[0].Sequence != 3 || occs[1].Sequence != 4 {
			t.Errorf("expected sequences 3 and 4, got %d and %d", occs[0].Sequence, occs[1].Sequence)
		}
	})

	t.Run("end date excludes occurrences on or after it", func(t *testing.T) {
		until := anchor.AddDate(0, 0, 14) // exactly occurrence 2
		rule := Rule{Frequency: FreqWeekly, Interval: 1, Until: &until}
		occs := mustExpand(t, "s1", rule, anchor, time.Hour,
			anchor, anchor.AddDate(1, 0, 0), nil)
		if len(occs) != 2 {
			t.Fatalf("expected 2 occurrences, got %d", len(occs))
		}
	})
}

func TestExpandExceptions(t *testing.T) {
	anchor := date(2025, time.September, 1) // a Monday

	t.Run("replacement keeps its slot with the override payload", func(t *testing.T) {
		rule := Rule{Frequency: FreqWeekly, Interval: 1, Count: 10}
		third := anchor.AddDate(0, 0, 21)
		newStart := third.Add(2 * time.Hour)
		exs := []Exception{{
			SeriesID:     "s1",
			OriginalDate: DateKey(third),
			Start:        &newStart,
			Payload:      "moved standup",
		}}

		occs := mustExpand(t, "s1", rule, anchor, 30*time.Minute,
			anchor, anchor.AddDate(0, 6, 0), exs)

		if len(occs) != 10 {
			t.Fatalf("expected 10 occurrences, got %d", len(occs))
		}
		for i, occ := range occs {
			if i == 3 {
				if occ.Status != StatusModified {
					t.Errorf("expected occurrence 3 modified, got %s", occ.Status)
				}
				if occ.Payload != "moved standup" {
					t.Errorf("expected override payload, got %q", occ.Payload)
				}
				if !occ.Start.Equal(newStart) {
					t.Errorf("expected start %v, got %v", newStart, occ.Start)
				}
				continue
			}
			if occ.Status != StatusGenerated {
				t.Errorf("occurrence %d: expected generated, got %s", i, occ.Status)
			}
			if occ.Payload != "" {
				t.Errorf("occurrence %d: unexpected payload %q", i, occ.Payload)
			}
		}

		// Re-running with the same exception set is idempotent.
		again := mustExpand(t, "s1", rule, anchor, 30*time.Minute,
			anchor, anchor.AddDate(0, 6, 0), exs)
		for i := range occs {
			if occs[i] != again[i] {
				t.Errorf("occurrence %d not idempotent: %+v vs %+v", i, occs[i], again[i])
			}
		}
	})

	t.Run("cancellation drops the date and keeps later sequences", func(t *testing.T) {
		rule := Rule{Frequency: FreqDaily, Interval: 1, Count: 5}
		exs := []Exception{{
			SeriesID:     "s1",
			OriginalDate: DateKey(anchor.AddDate(0, 0, 2)),
			Cancelled:    true,
		}}

		occs := mustExpand(t, "s1", rule, anchor, time.Hour,
			anchor, anchor.AddDate(0, 1, 0), exs)

		if len(occs) != 4 {
			t.Fatalf("expected 4 occurrences after cancellation, got %d", len(occs))
		}
		wantSeqs := []int{0, 1, 3, 4}
		for i, occ := range occs {
			if occ.Sequence != wantSeqs[i] {
				t.Errorf("position %d: expected sequence %d, got %d", i, wantSeqs[i], occ.Sequence)
			}
		}
	})

	t.Run("exception for another series is ignored", func(t *testing.T) {
		rule := Rule{Frequency: FreqDaily, Interval: 1, Count: 3}
		exs := []Exception{{
			SeriesID:     "other",
			OriginalDate: DateKey(anchor),
			Cancelled:    true,
		}}
		occs := mustExpand(t, "s1", rule, anchor, time.Hour,
			anchor, anchor.AddDate(0, 1, 0), exs)
		if len(occs) != 3 {
			t.Fatalf("expected 3 occurrences, got %d", len(occs))
		}
	})
}

func TestExpandCustom(t *testing.T) {
	anchor := date(2025, time.September, 1) // a Monday

	t.Run("weekday set keeps only matching days", func(t *testing.T) {
		rule := Rule{
			Frequency: FreqCustom,
			Interval:  1,
			Weekdays:  []time.Weekday{time.Monday, time.Thursday},
		}
		occs := mustExpand(t, "s1", rule, anchor, time.Hour,
			anchor, anchor.AddDate(0, 0, 14), nil)

		if len(occs) != 4 {
			t.Fatalf("expected 4 occurrences, got %d", len(occs))
		}
		for _, occ := range occs {
			wd := occ.Start.Weekday()
			if wd != time.Monday && wd != time.Thursday {
				t.Errorf("unexpected weekday %v", wd)
			}
		}
	})

	t.Run("day-of-month set", func(t *testing.T) {
		rule := Rule{
			Frequency: FreqCustom,
			Interval:  1,
			MonthDays: []int{1, 15},
		}
		occs := mustExpand(t, "s1", rule, anchor, time.Hour,
			anchor, anchor.AddDate(0, 2, 0), nil)

		if len(occs) != 4 {
			t.Fatalf("expected 4 occurrences, got %d", len(occs))
		}
		for _, occ := range occs {
			if d := occ.Start.Day(); d != 1 && d != 15 {
				t.Errorf("unexpected day of month %d", d)
			}
		}
	})

	t.Run("interval keeps every n-th match", func(t *testing.T) {
		rule := Rule{
			Frequency: FreqCustom,
			Interval:  2,
			Weekdays:  []time.Weekday{time.Monday},
		}
		occs := mustExpand(t, "s1", rule, anchor, time.Hour,
			anchor, anchor.AddDate(0, 0, 29), nil)

		// Mondays: Sep 1, 8, 15, 22, 29; every 2nd match is Sep 1, 15, 29.
		if len(occs) != 3 {
			t.Fatalf("expected 3 occurrences, got %d", len(occs))
		}
		for i, wantDay := range []int{1, 15, 29} {
			if occs[i].Start.Day() != wantDay {
				t.Errorf("occurrence %d: expected day %d, got %d", i, wantDay, occs[i].Start.Day())
			}
		}
	})
}

func TestExpandErrors(t *testing.T) {
	anchor := date(2025, time.March, 1)

	t.Run("inverted window", func(t *testing.T) {
		rule := Rule{Frequency: FreqDaily, Interval: 1}
		if _, err := Expand("s1", rule, anchor, time.Hour, anchor, anchor.AddDate(0, 0, -1), nil); err == nil {
			t.Error("expected error for inverted window")
		}
	})

	t.Run("invalid rule is rejected", func(t *testing.T) {
		rule := Rule{Frequency: FreqDaily, Interval: 0}
		if _, err := Expand("s1", rule, anchor, time.Hour, anchor, anchor.AddDate(0, 1, 0), nil); err == nil {
			t.Error("expected error for zero interval")
		}
	})
}

func TestSequenceOf(t *testing.T) {
	anchor := date(2025, time.June, 2)
	rule := Rule{Frequency: FreqWeekly, Interval: 1, Count: 10}

	t.Run("finds the slot for a generated date", func(t *testing.T) {
		seq := SequenceOf(rule, anchor, anchor.AddDate(0, 0, 28))
		if seq != 4 {
			t.Errorf("expected sequence 4, got %d", seq)
		}
	})

	t.Run("returns -1 for a date the rule never generates", func(t *testing.T) {
		if seq := SequenceOf(rule, anchor, anchor.AddDate(0, 0, 3)); seq != -1 {
			t.Errorf("expected -1, got %d", seq)
		}
	})

	t.Run("returns -1 past the count", func(t *testing.T) {
		if seq := SequenceOf(rule, anchor, anchor.AddDate(0, 0, 7*12)); seq != -1 {
			t.Errorf("expected -1, got %d", seq)
		}
	})
}
