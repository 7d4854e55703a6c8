package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/macjediwizard/daysync/internal/db"
	"github.com/macjediwizard/daysync/internal/recurrence"
)

func setupTestDB(t *testing.T) (*db.DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "daysync-journal-test-*")
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

func testRecord() *db.SyncableRecord {
	return &db.SyncableRecord{
		ID:       "rec-1",
		Kind:     db.KindEvent,
		Title:    "Dentist",
		Origin:   db.OriginLocal,
		Version:  3,
		Anchor:   time.Date(2025, time.April, 1, 10, 0, 0, 0, time.UTC),
		Duration: time.Hour,
		Rule:     recurrence.Rule{Frequency: recurrence.FreqDaily, Interval: 1, Count: 1},
	}
}

func TestRecordAndSnapshot(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	j := New()
	rec := testRecord()

	change, err := j.Record(ctx, database, db.OpUpdate, rec)
	if err != nil {
		t.Fatalf("failed to record change: %v", err)
	}
	if change.RecordID != rec.ID || change.Op != db.OpUpdate {
		t.Errorf("unexpected change: %+v", change)
	}

	due, err := j.Due(ctx, database, time.Now(), 10)
	if err != nil {
		t.Fatalf("failed to list due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due entry, got %d", len(due))
	}

	snap, err := Snapshot(due[0])
	if err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snap.Title != "Dentist" || snap.Version != 3 {
		t.Errorf("snapshot mismatch: %+v", snap)
	}

	// Snapshot is frozen at journaling time
	rec.Title = "Changed later"
	snap, _ = Snapshot(due[0])
	if snap.Title != "Dentist" {
		t.Error("snapshot not isolated from later edits")
	}
}

func TestRecordInsideTransaction(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	j := New()
	boom := errors.New("boom")

	// A rolled back transaction must take its journal entry with it
	err := database.WithTx(ctx, func(tx *db.Tx) error {
		rec := testRecord()
		if err := tx.CreateRecord(ctx, rec); err != nil {
			return err
		}
		if _, err := j.Record(ctx, tx, db.OpCreate, rec); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	pending, failed, err := j.Stats(ctx, database)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if pending != 0 || failed != 0 {
		t.Errorf("journal entry survived rollback: %d/%d", pending, failed)
	}

	// And a committed one must keep it
	err = database.WithTx(ctx, func(tx *db.Tx) error {
		rec := testRecord()
		if err := tx.CreateRecord(ctx, rec); err != nil {
			return err
		}
		_, err := j.Record(ctx, tx, db.OpCreate, rec)
		return err
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	pending, _, _ = j.Stats(ctx, database)
	if pending != 1 {
		t.Errorf("expected 1 pending entry, got %d", pending)
	}
}

func TestFailBackoffThenPark(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	j := New(WithRetryPolicy(3, time.Minute, time.Hour))

	change, err := j.Record(ctx, database, db.OpDelete, testRecord())
	if err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	cause := errors.New("target unreachable")

	// Attempt 1 fails: requeued, not due immediately
	if err := j.Fail(ctx, database, change, cause); err != nil {
		t.Fatalf("fail handling errored: %v", err)
	}
	due, _ := j.Due(ctx, database, time.Now(), 10)
	if len(due) != 0 {
		t.Error("requeued entry due before backoff elapsed")
	}

	// Due again once the backoff has passed
	due, _ = j.Due(ctx, database, time.Now().Add(2*time.Minute), 10)
	if len(due) != 1 {
		t.Fatal("entry not due after backoff")
	}

	// Attempt 2 fails, attempt 3 parks the entry
	if err := j.Fail(ctx, database, due[0], cause); err != nil {
		t.Fatalf("fail handling errored: %v", err)
	}
	due, _ = j.Due(ctx, database, time.Now().Add(time.Hour), 10)
	if len(due) != 1 {
		t.Fatal("entry not due for final attempt")
	}
	if err := j.Fail(ctx, database, due[0], cause); err != nil {
		t.Fatalf("fail handling errored: %v", err)
	}

	pending, failed, err := j.Stats(ctx, database)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if pending != 0 || failed != 1 {
		t.Errorf("expected parked entry, got %d pending %d failed", pending, failed)
	}

	// Parked entries never come due on their own
	due, _ = j.Due(ctx, database, time.Now().Add(24*time.Hour), 10)
	if len(due) != 0 {
		t.Error("parked entry came due")
	}

	// Operator requeue revives it
	n, err := j.RetryFailed(ctx, database)
	if err != nil || n != 1 {
		t.Fatalf("retry failed: %d %v", n, err)
	}
	due, _ = j.Due(ctx, database, time.Now(), 10)
	if len(due) != 1 {
		t.Error("revived entry not due")
	}
}

func TestAckRemovesEntry(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	j := New()
	change, err := j.Record(ctx, database, db.OpCreate, testRecord())
	if err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if err := j.Ack(ctx, database, change); err != nil {
		t.Fatalf("failed to ack: %v", err)
	}
	pending, failed, _ := j.Stats(ctx, database)
	if pending != 0 || failed != 0 {
		t.Errorf("entry survived ack: %d/%d", pending, failed)
	}
}

func TestBackoffGrowth(t *testing.T) {
	j := New(WithRetryPolicy(10, time.Minute, 8*time.Minute))

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 8 * time.Minute}, // capped
		{20, 8 * time.Minute},
	}
	for _, tc := range cases {
		if got := j.backoff(tc.retry); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}
}
