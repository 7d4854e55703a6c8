package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/daysync/internal/validator"
)

// SyncStatus reports the coordinator's view of every target.
func (h *Handlers) SyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"targets": h.coordinator.Status()})
}

// TriggerSync kicks off a sync cycle for every target.
func (h *Handlers) TriggerSync(c *gin.Context) {
	h.coordinator.TriggerAll()
	c.JSON(http.StatusAccepted, gin.H{"message": "sync triggered"})
}

// TriggerTargetSync kicks off a sync cycle for one target.
func (h *Handlers) TriggerTargetSync(c *gin.Context) {
	name := c.Param("target")
	if !h.knownTarget(name) {
		respondError(c, http.StatusNotFound, "unknown target")
		return
	}
	h.coordinator.Trigger(name)
	c.JSON(http.StatusAccepted, gin.H{"message": "sync triggered", "target": name})
}

// SuspendTarget pauses periodic syncing for one target.
func (h *Handlers) SuspendTarget(c *gin.Context) {
	name := c.Param("target")
	if err := h.coordinator.Suspend(name, true); err != nil {
		respondError(c, http.StatusNotFound, "unknown target")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "target suspended", "target": name})
}

// ResumeTarget resumes periodic syncing for one target and clears any
// failure state.
func (h *Handlers) ResumeTarget(c *gin.Context) {
	name := c.Param("target")
	if err := h.coordinator.Suspend(name, false); err != nil {
		respondError(c, http.StatusNotFound, "unknown target")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "target resumed", "target": name})
}

// SyncLogs returns recent sync cycle logs, optionally for one target.
func (h *Handlers) SyncLogs(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			respondError(c, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	logs, err := h.db.GetSyncLogs(c.Request.Context(), c.Query("target"), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load sync logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

// JournalStats reports the outbox backlog.
func (h *Handlers) JournalStats(c *gin.Context) {
	pending, failed, err := h.journal.Stats(c.Request.Context(), h.db)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to read journal")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "failed": failed})
}

// RetryFailedChanges revives parked journal entries and triggers a sync.
func (h *Handlers) RetryFailedChanges(c *gin.Context) {
	revived, err := h.journal.RetryFailed(c.Request.Context(), h.db)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to retry changes")
		return
	}
	if revived > 0 {
		h.coordinator.TriggerAll()
	}
	c.JSON(http.StatusOK, gin.H{"revived": revived})
}

// ListJournal returns the pending and failed outbox entries.
func (h *Handlers) ListJournal(c *gin.Context) {
	changes, err := h.db.ListChanges(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load journal")
		return
	}
	c.JSON(http.StatusOK, changes)
}

// NotificationStatus reports the planned reminder backlog and failing
// targets the notifier knows about.
func (h *Handlers) NotificationStatus(c *gin.Context) {
	count, err := h.db.CountNotifications(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to count notifications")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"planned":         count,
		"failing_targets": h.notifier.FailingTargets(),
	})
}

// settingsRequest is the JSON body for updating settings.
type settingsRequest struct {
	ConflictPolicy   string  `json:"conflict_policy"`
	ReminderOffsets  []int64 `json:"reminder_offsets_secs"`
	DailySummaryTime string  `json:"daily_summary_time"`
}

// GetSettings returns the current settings.
func (h *Handlers) GetSettings(c *gin.Context) {
	settings, err := h.db.GetSettings(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load settings")
		return
	}
	c.JSON(http.StatusOK, settings)
}

// UpdateSettings validates and persists new settings, then replans
// reminders and reschedules the daily summary.
func (h *Handlers) UpdateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	settings, err := h.db.GetSettings(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load settings")
		return
	}

	if req.ConflictPolicy != "" {
		if err := validator.ValidatePolicy(req.ConflictPolicy); err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		settings.ConflictPolicy = req.ConflictPolicy
	}

	if req.ReminderOffsets != nil {
		offsets := make([]time.Duration, len(req.ReminderOffsets))
		for i, secs := range req.ReminderOffsets {
			offsets[i] = time.Duration(secs) * time.Second
		}
		if err := validator.ValidateOffsets(offsets); err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		settings.ReminderOffsets = offsets
	}

	summaryMoved := false
	if req.DailySummaryTime != "" {
		if err := validator.ValidateTimeOfDay(req.DailySummaryTime); err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		summaryMoved = req.DailySummaryTime != settings.DailySummaryTime
		settings.DailySummaryTime = req.DailySummaryTime
	}

	if err := h.db.SaveSettings(ctx, settings); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to save settings")
		return
	}

	h.planner.Replan()
	if summaryMoved {
		if err := h.planner.RescheduleSummary(settings.DailySummaryTime); err != nil {
			respondError(c, http.StatusInternalServerError, "failed to reschedule summary")
			return
		}
	}

	c.JSON(http.StatusOK, settings)
}

// TestWebhook sends a test message to the supplied webhook URL.
func (h *Handlers) TestWebhook(c *gin.Context) {
	var req struct {
		URL string `json:"url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		respondError(c, http.StatusBadRequest, "url is required")
		return
	}

	if err := h.notifier.SendTestWebhook(c.Request.Context(), req.URL); err != nil {
		respondError(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "test message sent"})
}

// knownTarget checks a target name against the coordinator's registry.
func (h *Handlers) knownTarget(name string) bool {
	for _, status := range h.coordinator.Status() {
		if status.Target == name {
			return true
		}
	}
	return false
}
