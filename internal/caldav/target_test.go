package caldav

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"github.com/macjediwizard/daysync/internal/db"
	"github.com/macjediwizard/daysync/internal/recurrence"
	"github.com/macjediwizard/daysync/internal/syncer"
)

func setupTestDB(t *testing.T) (*db.DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "daysync-caldav-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	return database, func() {
		database.Close()
		os.RemoveAll(tempDir)
	}
}

// encodeCalendar renders a calendar object to iCalendar text.
func encodeCalendar(cal *ical.Calendar) string {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return ""
	}
	return buf.String()
}

func TestExportImportRoundTrip(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	target := NewTarget(nil, database, "/calendars/home/")

	rec := &db.SyncableRecord{
		ID:         "rec-77",
		Kind:       db.KindEvent,
		Title:      "Weekly review",
		Notes:      "Bring the notebook",
		Origin:     db.OriginLocal,
		Version:    5,
		ModifiedAt: time.Date(2025, time.July, 1, 8, 0, 0, 0, time.UTC),
		Anchor:     time.Date(2025, time.July, 4, 16, 0, 0, 0, time.UTC),
		Duration:   45 * time.Minute,
		Rule:       recurrence.Rule{Frequency: recurrence.FreqWeekly, Interval: 1, Count: 12},
	}

	cal, err := target.exportRecord(rec)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	// Encode and re-decode to prove the object survives the wire format
	data := encodeCalendar(cal)
	if data == "" {
		t.Fatal("empty encoded calendar")
	}
	if !strings.Contains(data, "RRULE") || !strings.Contains(data, "FREQ=WEEKLY") {
		t.Errorf("recurrence not exported: %s", data)
	}

	decoded, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	got, err := target.importObject(context.Background(), &Object{Path: "/calendars/home/rec-77.ics", ETag: "e1", Data: decoded})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if got.ID != "rec-77" || got.Title != "Weekly review" || got.Notes != "Bring the notebook" {
		t.Errorf("fields lost in round trip: %+v", got)
	}
	if !got.Anchor.Equal(rec.Anchor) {
		t.Errorf("anchor mismatch: %v", got.Anchor)
	}
	if got.Duration != 45*time.Minute {
		t.Errorf("duration mismatch: %v", got.Duration)
	}
	if got.Rule.Frequency != recurrence.FreqWeekly || got.Rule.Count != 12 {
		t.Errorf("rule mismatch: %+v", got.Rule)
	}
	if got.Origin != db.OriginCalendar {
		t.Errorf("imported record must carry calendar origin, got %s", got.Origin)
	}
}

func TestImportCopiesLocalVersion(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	local := &db.SyncableRecord{
		ID:      "rec-1",
		Kind:    db.KindEvent,
		Title:   "Local copy",
		Origin:  db.OriginLocal,
		Version: 7,
		Anchor:  time.Now().UTC(),
		Rule:    recurrence.Rule{Frequency: recurrence.FreqDaily, Interval: 1, Count: 1},
	}
	if err := database.CreateRecord(ctx, local); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	target := NewTarget(nil, database, "/cal/")
	cal, err := target.exportRecord(local)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	got, err := target.importObject(ctx, &Object{Path: "/cal/rec-1.ics", Data: cal})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if got.Version != 7 {
		t.Errorf("import should carry the local version for conflict detection, got %d", got.Version)
	}
}

func TestImportRejectsBadObjects(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	target := NewTarget(nil, database, "/cal/")
	ctx := context.Background()

	t.Run("missing data", func(t *testing.T) {
		if _, err := target.importObject(ctx, &Object{Path: "/cal/x.ics"}); !errors.Is(err, ErrMalformedContent) {
			t.Errorf("expected ErrMalformedContent, got %v", err)
		}
	})

	t.Run("unsupported recurrence", func(t *testing.T) {
		cal := ical.NewCalendar()
		cal.Props.SetText(ical.PropVersion, "2.0")
		cal.Props.SetText(ical.PropProductID, productID)
		ev := ical.NewEvent()
		ev.Props.SetText(ical.PropUID, "weird")
		ev.Props.SetText(ical.PropSummary, "Second Monday")
		ev.Props.SetDateTime(ical.PropDateTimeStart, time.Now().UTC())
		ev.Props.SetText(ical.PropRecurrenceRule, "FREQ=MONTHLY;BYDAY=2MO")
		cal.Children = append(cal.Children, ev.Component)

		if _, err := target.importObject(ctx, &Object{Path: "/cal/weird.ics", Data: cal}); !errors.Is(err, recurrence.ErrUnsupportedRule) {
			t.Errorf("expected ErrUnsupportedRule, got %v", err)
		}
	})
}

func TestCommitPersistsLinkState(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := database.UpsertCalendarLink(ctx, &db.CalendarLink{RecordID: "gone", Path: "/cal/gone.ics", ETag: "old"}); err != nil {
		t.Fatalf("failed to seed link: %v", err)
	}

	target := NewTarget(nil, database, "/cal/")
	target.pendingLinks = []*db.CalendarLink{{RecordID: "kept", Path: "/cal/kept.ics", ETag: "e2"}}
	target.pendingDrops = []string{"gone"}

	if err := target.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	links, err := database.ListCalendarLinks(ctx)
	if err != nil {
		t.Fatalf("failed to list links: %v", err)
	}
	if len(links) != 1 || links[0].RecordID != "kept" || links[0].ETag != "e2" {
		t.Errorf("link state not committed: %+v", links)
	}

	// Commit drains the pending state
	if err := target.Commit(ctx); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
}

func TestPushSkipsTasks(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	target := NewTarget(nil, database, "/cal/")
	task := &db.SyncableRecord{ID: "t1", Kind: db.KindTask, Title: "Not mirrored"}

	if err := target.Push(context.Background(), db.OpCreate, task); err != nil {
		t.Errorf("task push should be a no-op, got %v", err)
	}
}

func TestErrorMapping(t *testing.T) {
	if !errors.Is(mapErr(ErrAuthFailed), syncer.ErrUnauthorized) {
		t.Error("auth failure not mapped to unauthorized")
	}
	if !errors.Is(mapErr(ErrConnectionFailed), syncer.ErrUnavailable) {
		t.Error("connection failure not mapped to unavailable")
	}
	other := errors.New("something else")
	if !errors.Is(mapErr(other), other) {
		t.Error("unknown errors must pass through")
	}
}
