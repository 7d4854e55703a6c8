package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/daysync/internal/config"
	"github.com/macjediwizard/daysync/internal/db"
	"github.com/macjediwizard/daysync/internal/journal"
	"github.com/macjediwizard/daysync/internal/notify"
	"github.com/macjediwizard/daysync/internal/recurrence"
	"github.com/macjediwizard/daysync/internal/syncer"
)

type testServer struct {
	db     *db.DB
	router *gin.Engine
	h      *Handlers
}

// newTestServer wires a handler set over a fresh database. Routes are
// registered without the auth middleware so tests exercise the handlers
// themselves.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tempDir, err := os.MkdirTemp("", "daysync-web-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	jrnl := journal.New()
	coordinator := syncer.New(database, jrnl, time.Hour)
	notifier := notify.New(&notify.Config{CooldownPeriod: time.Hour})
	planner := notify.NewPlanner(database, notifier)

	h := NewHandlers(&config.Config{}, database, nil, nil, coordinator, jrnl, planner, notifier)

	router := gin.New()
	api := router.Group("/api")
	{
		api.GET("/records", h.ListRecords)
		api.POST("/records", h.CreateRecord)
		api.GET("/records/:id", h.GetRecord)
		api.PUT("/records/:id", h.UpdateRecord)
		api.DELETE("/records/:id", h.DeleteRecord)
		api.POST("/records/:id/completion", h.SetCompletion)
		api.GET("/records/:id/exceptions", h.ListRecordExceptions)
		api.PUT("/records/:id/occurrences/:date", h.EditOccurrence)
		api.DELETE("/records/:id/occurrences/:date", h.CancelOccurrence)
		api.POST("/records/:id/occurrences/:date/reset", h.ResetOccurrence)
		api.GET("/occurrences", h.ListOccurrences)
		api.GET("/sync/status", h.SyncStatus)
		api.GET("/sync/logs", h.SyncLogs)
		api.POST("/sync", h.TriggerSync)
		api.POST("/sync/:target", h.TriggerTargetSync)
		api.POST("/sync/:target/suspend", h.SuspendTarget)
		api.GET("/journal", h.ListJournal)
		api.GET("/journal/stats", h.JournalStats)
		api.POST("/journal/retry", h.RetryFailedChanges)
		api.GET("/notifications", h.NotificationStatus)
		api.GET("/settings", h.GetSettings)
		api.PUT("/settings", h.UpdateSettings)
	}
	router.GET("/health", h.HealthCheck)

	return &testServer{db: database, router: router, h: h}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeRecord(t *testing.T, w *httptest.ResponseRecorder) *db.SyncableRecord {
	t.Helper()
	var rec db.SyncableRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("failed to decode record: %v (%s)", err, w.Body.String())
	}
	return &rec
}

func eventBody(title string, anchor time.Time, count int) map[string]any {
	return map[string]any{
		"kind":          "event",
		"title":         title,
		"anchor":        anchor.Format(time.RFC3339),
		"duration_secs": 1800,
		"rule": map[string]any{
			"frequency": "daily",
			"interval":  1,
			"count":     count,
		},
	}
}

func TestCreateRecord(t *testing.T) {
	ts := newTestServer(t)
	anchor := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	w := ts.do(t, "POST", "/api/records", eventBody("Standup", anchor, 10))
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	rec := decodeRecord(t, w)
	if rec.ID == "" || rec.Version != 1 || rec.Origin != db.OriginLocal {
		t.Errorf("unexpected record: %+v", rec)
	}

	// The edit must land in the journal for push
	changes, err := ts.db.ListChanges(context.Background())
	if err != nil {
		t.Fatalf("failed to list changes: %v", err)
	}
	if len(changes) != 1 || changes[0].Op != db.OpCreate || changes[0].RecordID != rec.ID {
		t.Errorf("journal entry missing or wrong: %+v", changes)
	}
}

func TestCreateRecordRejectsBadRule(t *testing.T) {
	ts := newTestServer(t)

	body := eventBody("Broken", time.Now().UTC(), 1)
	body["rule"] = map[string]any{"frequency": "fortnightly", "interval": 1}

	w := ts.do(t, "POST", "/api/records", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestUpdateRecordBumpsVersion(t *testing.T) {
	ts := newTestServer(t)
	anchor := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	created := decodeRecord(t, ts.do(t, "POST", "/api/records", eventBody("Before", anchor, 1)))

	body := eventBody("After", anchor, 1)
	w := ts.do(t, "PUT", "/api/records/"+created.ID, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	updated := decodeRecord(t, w)
	if updated.Title != "After" || updated.Version != 2 {
		t.Errorf("update not applied: %+v", updated)
	}

	changes, _ := ts.db.ListChanges(context.Background())
	if len(changes) != 2 || changes[1].Op != db.OpUpdate {
		t.Errorf("update not journaled: %+v", changes)
	}
}

func TestDeleteRecordTombstones(t *testing.T) {
	ts := newTestServer(t)
	anchor := time.Now().UTC().Add(time.Hour)

	created := decodeRecord(t, ts.do(t, "POST", "/api/records", eventBody("Doomed", anchor, 1)))

	w := ts.do(t, "DELETE", "/api/records/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	// Tombstone stays until targets ack, hidden from the live listing
	rec, err := ts.db.GetRecord(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("tombstone should still exist: %v", err)
	}
	if !rec.Deleted || rec.Version != 2 {
		t.Errorf("tombstone not written: %+v", rec)
	}

	var live []*db.SyncableRecord
	listResp := ts.do(t, "GET", "/api/records", nil)
	if err := json.Unmarshal(listResp.Body.Bytes(), &live); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("tombstone leaked into live listing: %+v", live)
	}
}

func TestSetCompletion(t *testing.T) {
	ts := newTestServer(t)
	anchor := time.Now().UTC().Add(time.Hour)

	body := eventBody("Chore", anchor, 1)
	body["kind"] = "task"
	created := decodeRecord(t, ts.do(t, "POST", "/api/records", body))

	w := ts.do(t, "POST", "/api/records/"+created.ID+"/completion", map[string]any{"completed": true})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if rec := decodeRecord(t, w); !rec.Completed || rec.Version != 2 {
		t.Errorf("completion not applied: %+v", rec)
	}

	// Setting the same state again is a no-op, no version bump
	w = ts.do(t, "POST", "/api/records/"+created.ID+"/completion", map[string]any{"completed": true})
	if rec := decodeRecord(t, w); rec.Version != 2 {
		t.Errorf("idempotent completion bumped version: %+v", rec)
	}
}

func TestListOccurrences(t *testing.T) {
	ts := newTestServer(t)
	base := time.Date(2025, time.July, 7, 9, 0, 0, 0, time.UTC)

	ts.do(t, "POST", "/api/records", eventBody("Daily", base, 3))
	later := eventBody("Late meeting", base.Add(5*time.Hour), 1)
	ts.do(t, "POST", "/api/records", later)

	path := fmt.Sprintf("/api/occurrences?start=%s&end=%s",
		base.Format(time.RFC3339), base.AddDate(0, 0, 7).Format(time.RFC3339))
	w := ts.do(t, "GET", path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var occs []struct {
		OccurrenceID string    `json:"occurrence_id"`
		Title        string    `json:"title"`
		Start        time.Time `json:"start"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &occs); err != nil {
		t.Fatalf("failed to decode occurrences: %v", err)
	}
	if len(occs) != 4 {
		t.Fatalf("expected 4 occurrences, got %d", len(occs))
	}
	for i := 1; i < len(occs); i++ {
		if occs[i].Start.Before(occs[i-1].Start) {
			t.Errorf("occurrences not ordered by start: %+v", occs)
		}
	}
	// The later meeting lands between the daily occurrences
	if occs[1].Title != "Late meeting" {
		t.Errorf("merge order wrong: %+v", occs)
	}
}

func TestOccurrenceEditCancelReset(t *testing.T) {
	ts := newTestServer(t)
	base := time.Date(2025, time.August, 4, 10, 0, 0, 0, time.UTC)

	created := decodeRecord(t, ts.do(t, "POST", "/api/records", eventBody("Series", base, 5)))
	date := recurrence.DateKey(base.AddDate(0, 0, 2))

	// Edit one occurrence
	moved := base.AddDate(0, 0, 2).Add(2 * time.Hour)
	w := ts.do(t, "PUT", "/api/records/"+created.ID+"/occurrences/"+date,
		map[string]any{"start": moved.Format(time.RFC3339), "title": "Moved"})
	if w.Code != http.StatusOK {
		t.Fatalf("edit status %d: %s", w.Code, w.Body.String())
	}

	exceptions, err := ts.db.ListExceptions(context.Background(), created.ID)
	if err != nil || len(exceptions) != 1 {
		t.Fatalf("exception not stored: %v %+v", err, exceptions)
	}
	if exceptions[0].OriginalDate != date || exceptions[0].Payload != "Moved" {
		t.Errorf("exception content wrong: %+v", exceptions[0])
	}

	// Cancel a different occurrence
	cancelDate := recurrence.DateKey(base.AddDate(0, 0, 3))
	w = ts.do(t, "DELETE", "/api/records/"+created.ID+"/occurrences/"+cancelDate, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status %d: %s", w.Code, w.Body.String())
	}

	// Reset the edited one
	w = ts.do(t, "POST", "/api/records/"+created.ID+"/occurrences/"+date+"/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset status %d: %s", w.Code, w.Body.String())
	}
	exceptions, _ = ts.db.ListExceptions(context.Background(), created.ID)
	if len(exceptions) != 1 || !exceptions[0].Cancelled {
		t.Errorf("reset should leave only the cancellation: %+v", exceptions)
	}

	// Resetting a date with no exception is a 404
	w = ts.do(t, "POST", "/api/records/"+created.ID+"/occurrences/"+date+"/reset", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("reset of untouched date: status %d", w.Code)
	}
}

func TestOccurrenceDateOutsideSeries(t *testing.T) {
	ts := newTestServer(t)
	base := time.Date(2025, time.August, 4, 10, 0, 0, 0, time.UTC)

	created := decodeRecord(t, ts.do(t, "POST", "/api/records", eventBody("Short", base, 2)))

	// Day 10 is past the 2-occurrence series
	badDate := recurrence.DateKey(base.AddDate(0, 0, 10))
	w := ts.do(t, "DELETE", "/api/records/"+created.ID+"/occurrences/"+badDate, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, "DELETE", "/api/records/"+created.ID+"/occurrences/not-a-date", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestSettingsUpdate(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "PUT", "/api/settings", map[string]any{
		"conflict_policy":       "remote_wins",
		"reminder_offsets_secs": []int64{300, 3600},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	settings, err := ts.db.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("failed to read settings: %v", err)
	}
	if settings.ConflictPolicy != "remote_wins" {
		t.Errorf("policy not saved: %s", settings.ConflictPolicy)
	}
	if len(settings.ReminderOffsets) != 2 || settings.ReminderOffsets[1] != time.Hour {
		t.Errorf("offsets not saved: %v", settings.ReminderOffsets)
	}

	w = ts.do(t, "PUT", "/api/settings", map[string]any{"conflict_policy": "coin_flip"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad policy accepted: status %d", w.Code)
	}

	w = ts.do(t, "PUT", "/api/settings", map[string]any{"daily_summary_time": "27:00"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad summary time accepted: status %d", w.Code)
	}
}

func TestSyncEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "GET", "/api/sync/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint: %d", w.Code)
	}

	w = ts.do(t, "POST", "/api/sync", nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("trigger all: status %d", w.Code)
	}

	// No targets registered in this harness
	w = ts.do(t, "POST", "/api/sync/nowhere", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown target trigger: status %d", w.Code)
	}
	w = ts.do(t, "POST", "/api/sync/nowhere/suspend", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown target suspend: status %d", w.Code)
	}
}

func TestJournalEndpoints(t *testing.T) {
	ts := newTestServer(t)
	anchor := time.Now().UTC().Add(time.Hour)

	ts.do(t, "POST", "/api/records", eventBody("One", anchor, 1))
	ts.do(t, "POST", "/api/records", eventBody("Two", anchor.Add(time.Hour), 1))

	w := ts.do(t, "GET", "/api/journal/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: status %d", w.Code)
	}
	var stats struct {
		Pending int `json:"pending"`
		Failed  int `json:"failed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Pending != 2 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	w = ts.do(t, "POST", "/api/journal/retry", nil)
	if w.Code != http.StatusOK {
		t.Errorf("retry: status %d", w.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health: status %d: %s", w.Code, w.Body.String())
	}
}
