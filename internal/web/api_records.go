package web

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/daysync/internal/db"
	"github.com/macjediwizard/daysync/internal/recurrence"
	"github.com/macjediwizard/daysync/internal/resolve"
)

// recordRequest is the JSON body for creating or updating a record.
type recordRequest struct {
	Kind         db.RecordKind   `json:"kind"`
	Title        string          `json:"title"`
	Notes        string          `json:"notes"`
	Anchor       time.Time       `json:"anchor"`
	DurationSecs int64           `json:"duration_secs"`
	Rule         recurrence.Rule `json:"rule"`
}

func (r *recordRequest) apply(rec *db.SyncableRecord) {
	rec.Kind = r.Kind
	rec.Title = r.Title
	rec.Notes = r.Notes
	rec.Anchor = r.Anchor.UTC()
	rec.Duration = time.Duration(r.DurationSecs) * time.Second
	rec.Rule = r.Rule
}

func (r *recordRequest) validate() error {
	if r.Title == "" {
		return errors.New("title is required")
	}
	if r.Kind != db.KindEvent && r.Kind != db.KindTask {
		return errors.New("kind must be event or task")
	}
	if r.DurationSecs < 0 {
		return errors.New("duration must not be negative")
	}
	return r.Rule.Validate(r.Anchor)
}

// ListRecords returns all live records.
func (h *Handlers) ListRecords(c *gin.Context) {
	includeDeleted := c.Query("include_deleted") == "true"
	records, err := h.db.ListRecords(c.Request.Context(), includeDeleted)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load records")
		return
	}
	c.JSON(http.StatusOK, records)
}

// GetRecord returns one record.
func (h *Handlers) GetRecord(c *gin.Context) {
	rec, err := h.db.GetRecord(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load record")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// CreateRecord creates a record, journals the change, and kicks off a sync.
func (h *Handlers) CreateRecord(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	rec := &db.SyncableRecord{
		Origin:     db.OriginLocal,
		Version:    1,
		ModifiedAt: time.Now().UTC(),
	}
	req.apply(rec)

	ctx := c.Request.Context()
	err := h.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.CreateRecord(ctx, rec); err != nil {
			return err
		}
		_, err := h.journal.Record(ctx, tx, db.OpCreate, rec)
		return err
	})
	if errors.Is(err, db.ErrDuplicate) {
		respondError(c, http.StatusConflict, "record already exists")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to create record")
		return
	}

	h.afterLocalEdit()
	c.JSON(http.StatusCreated, rec)
}

// UpdateRecord applies a local edit and journals it for push.
func (h *Handlers) UpdateRecord(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	rec, err := h.db.GetRecord(ctx, c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load record")
		return
	}
	if rec.Deleted {
		respondError(c, http.StatusGone, "record is deleted")
		return
	}

	req.apply(rec)
	resolve.Touch(rec, time.Now())

	err = h.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		_, err := h.journal.Record(ctx, tx, db.OpUpdate, rec)
		return err
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to update record")
		return
	}

	h.afterLocalEdit()
	c.JSON(http.StatusOK, rec)
}

// DeleteRecord tombstones a record. The row is purged once every target has
// acknowledged the deletion.
func (h *Handlers) DeleteRecord(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := h.db.GetRecord(ctx, c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load record")
		return
	}
	if rec.Deleted {
		c.JSON(http.StatusOK, gin.H{"message": "already deleted"})
		return
	}

	rec.Deleted = true
	resolve.Touch(rec, time.Now())

	err = h.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		_, err := h.journal.Record(ctx, tx, db.OpDelete, rec)
		return err
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to delete record")
		return
	}

	h.afterLocalEdit()
	c.JSON(http.StatusOK, gin.H{"message": "record deleted"})
}

// SetCompletion marks a record done or not done.
func (h *Handlers) SetCompletion(c *gin.Context) {
	var req struct {
		Completed bool `json:"completed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	rec, err := h.db.GetRecord(ctx, c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load record")
		return
	}

	if rec.Completed == req.Completed {
		c.JSON(http.StatusOK, rec)
		return
	}

	rec.Completed = req.Completed
	resolve.Touch(rec, time.Now())

	err = h.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		_, err := h.journal.Record(ctx, tx, db.OpUpdate, rec)
		return err
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to update record")
		return
	}

	h.afterLocalEdit()
	c.JSON(http.StatusOK, rec)
}

// ListOccurrences expands every live record over a window and returns the
// merged, time-ordered occurrence list.
func (h *Handlers) ListOccurrences(c *gin.Context) {
	now := time.Now().UTC()
	windowStart := now
	windowEnd := now.Add(7 * 24 * time.Hour)

	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(c, http.StatusBadRequest, "start must be RFC3339")
			return
		}
		windowStart = t.UTC()
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(c, http.StatusBadRequest, "end must be RFC3339")
			return
		}
		windowEnd = t.UTC()
	}
	if windowEnd.Before(windowStart) {
		respondError(c, http.StatusBadRequest, "end is before start")
		return
	}

	ctx := c.Request.Context()
	records, err := h.db.ListRecords(ctx, false)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load records")
		return
	}

	type occurrenceView struct {
		recurrence.Occurrence
		OccurrenceID string        `json:"occurrence_id"`
		Title        string        `json:"title"`
		Kind         db.RecordKind `json:"kind"`
		Completed    bool          `json:"completed"`
	}

	var out []occurrenceView
	for _, rec := range records {
		exRows, err := h.db.ListExceptions(ctx, rec.ID)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "failed to load exceptions")
			return
		}
		exceptions := make([]recurrence.Exception, len(exRows))
		for i, ex := range exRows {
			exceptions[i] = ex.ToExpansion()
		}

		occs, err := recurrence.Expand(rec.ID, rec.Rule, rec.Anchor, rec.Duration, windowStart, windowEnd, exceptions)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "failed to expand record "+rec.ID)
			return
		}
		for _, occ := range occs {
			title := rec.Title
			if occ.Payload != "" {
				title = occ.Payload
			}
			out = append(out, occurrenceView{
				Occurrence:   occ,
				OccurrenceID: occ.ID(),
				Title:        title,
				Kind:         rec.Kind,
				Completed:    rec.Completed,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	c.JSON(http.StatusOK, out)
}

// exceptionRequest is the JSON body for editing one occurrence.
type exceptionRequest struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
	Title string     `json:"title"`
}

// EditOccurrence replaces one generated occurrence with new times and/or a
// new title, without touching the rest of the series.
func (h *Handlers) EditOccurrence(c *gin.Context) {
	seriesID := c.Param("id")
	date := c.Param("date")

	var req exceptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Start == nil && req.End == nil && req.Title == "" {
		respondError(c, http.StatusBadRequest, "nothing to change")
		return
	}

	rec, _, ok := h.resolveOccurrence(c, seriesID, date)
	if !ok {
		return
	}

	ex := &db.Exception{
		SeriesID:     seriesID,
		OriginalDate: date,
		NewStart:     req.Start,
		NewEnd:       req.End,
		Payload:      req.Title,
	}

	ctx := c.Request.Context()
	resolve.Touch(rec, time.Now())
	err := h.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.UpsertException(ctx, ex); err != nil {
			return err
		}
		// Bump the parent so targets see the series changed
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		_, err := h.journal.Record(ctx, tx, db.OpUpdate, rec)
		return err
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to save exception")
		return
	}

	h.afterLocalEdit()
	c.JSON(http.StatusOK, ex)
}

// CancelOccurrence suppresses one occurrence permanently.
func (h *Handlers) CancelOccurrence(c *gin.Context) {
	seriesID := c.Param("id")
	date := c.Param("date")

	rec, seq, ok := h.resolveOccurrence(c, seriesID, date)
	if !ok {
		return
	}

	ex := &db.Exception{
		SeriesID:     seriesID,
		OriginalDate: date,
		Cancelled:    true,
	}

	ctx := c.Request.Context()
	resolve.Touch(rec, time.Now())
	err := h.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.UpsertException(ctx, ex); err != nil {
			return err
		}
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		_, err := h.journal.Record(ctx, tx, db.OpUpdate, rec)
		return err
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to cancel occurrence")
		return
	}

	// Drop planned reminders right away instead of waiting for a replan
	occID := seriesID + ":" + strconv.Itoa(seq)
	if _, err := h.planner.CancelOccurrence(ctx, occID); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to cancel reminders")
		return
	}

	h.afterLocalEdit()
	c.JSON(http.StatusOK, gin.H{"message": "occurrence cancelled"})
}

// ResetOccurrence removes the exception for one date, restoring the
// generated occurrence.
func (h *Handlers) ResetOccurrence(c *gin.Context) {
	seriesID := c.Param("id")
	date := c.Param("date")

	rec, _, ok := h.resolveOccurrence(c, seriesID, date)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	err := h.db.DeleteException(ctx, seriesID, date)
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "no exception for this date")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to reset occurrence")
		return
	}

	resolve.Touch(rec, time.Now())
	err = h.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		_, err := h.journal.Record(ctx, tx, db.OpUpdate, rec)
		return err
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to save record")
		return
	}

	h.afterLocalEdit()
	c.JSON(http.StatusOK, gin.H{"message": "occurrence reset"})
}

// ListRecordExceptions returns the exceptions stored for one series.
func (h *Handlers) ListRecordExceptions(c *gin.Context) {
	exceptions, err := h.db.ListExceptions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load exceptions")
		return
	}
	c.JSON(http.StatusOK, exceptions)
}

// resolveOccurrence loads the series and verifies the date names a real
// generated occurrence. Responds with an error and returns ok=false when it
// does not.
func (h *Handlers) resolveOccurrence(c *gin.Context, seriesID, date string) (*db.SyncableRecord, int, bool) {
	if _, err := time.Parse(recurrence.DateLayout, date); err != nil {
		respondError(c, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return nil, 0, false
	}

	ctx := c.Request.Context()
	rec, err := h.db.GetRecord(ctx, seriesID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "record not found")
		return nil, 0, false
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load record")
		return nil, 0, false
	}
	if rec.Deleted {
		respondError(c, http.StatusGone, "record is deleted")
		return nil, 0, false
	}

	day, _ := time.Parse(recurrence.DateLayout, date)
	seq := recurrence.SequenceOf(rec.Rule, rec.Anchor, day)
	if seq < 0 {
		respondError(c, http.StatusNotFound, "series has no occurrence on this date")
		return nil, 0, false
	}

	return rec, seq, true
}

// afterLocalEdit kicks the machinery that reacts to a local change: every
// target gets a sync cycle and the reminder plan is refreshed.
func (h *Handlers) afterLocalEdit() {
	h.coordinator.TriggerAll()
	h.planner.Replan()
}
