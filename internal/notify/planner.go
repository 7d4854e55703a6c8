package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/macjediwizard/daysync/internal/db"
	"github.com/macjediwizard/daysync/internal/recurrence"
)

const (
	// How far ahead reminders are materialized
	defaultHorizon = 14 * 24 * time.Hour
	// How often the dispatcher checks for due reminders
	dispatchInterval = 30 * time.Second
	// How often the plan is refreshed to roll the horizon forward
	replanInterval = 1 * time.Hour
	// Reminders this late are dropped instead of delivered
	staleGrace = 1 * time.Minute
	// Sync logs older than this are purged by the nightly cleanup
	logRetention = 30 * 24 * time.Hour
)

// reminderPayload is the JSON stored alongside a scheduled notification so
// the dispatcher can compose the message without re-reading the record.
type reminderPayload struct {
	Title string    `json:"title"`
	Kind  string    `json:"kind"`
	Start time.Time `json:"start"`
}

// Planner keeps the notifications table in step with what the records and
// settings say should fire. The plan is a pure function of current state:
// reconciling diffs the desired reminder set against the stored one, so
// edits, cancellations, completions and offset changes all converge the same
// way. Rows are keyed by (occurrence, offset), which makes re-planning
// idempotent.
type Planner struct {
	db       *db.DB
	notifier *Notifier
	horizon  time.Duration

	mu sync.Mutex // serializes reconcile runs

	cron         *cron.Cron
	summaryEntry cron.EntryID

	kick    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPlanner creates a reminder planner over the given database.
func NewPlanner(database *db.DB, notifier *Notifier) *Planner {
	return &Planner{
		db:       database,
		notifier: notifier,
		horizon:  defaultHorizon,
		cron:     cron.New(),
		kick:     make(chan struct{}, 1),
	}
}

// Start heals the plan from current state, then runs the dispatch loop and
// the cron jobs until Stop. The heal covers reminders that were edited or
// cancelled while the process was down.
func (p *Planner) Start() error {
	if p.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if err := p.Reconcile(ctx); err != nil {
		cancel()
		return fmt.Errorf("initial reminder plan: %w", err)
	}

	settings, err := p.db.GetSettings(ctx)
	if err != nil {
		cancel()
		return err
	}
	if err := p.scheduleSummary(settings.DailySummaryTime); err != nil {
		cancel()
		return err
	}
	if _, err := p.cron.AddFunc("30 3 * * *", func() { p.cleanup(context.Background()) }); err != nil {
		cancel()
		return err
	}
	p.cron.Start()

	p.wg.Add(1)
	go p.loop(ctx)

	p.started = true
	log.Printf("[Notify] Planner started (horizon %s, summary at %s)", p.horizon, settings.DailySummaryTime)
	return nil
}

// Stop halts the dispatcher and cron jobs.
func (p *Planner) Stop() {
	if !p.started {
		return
	}
	p.cancel()
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	p.wg.Wait()
	p.started = false
	log.Printf("[Notify] Planner stopped")
}

// Replan asks for an asynchronous reconcile. Safe to call from sync apply
// hooks; repeated calls while a reconcile is pending coalesce into one run.
func (p *Planner) Replan() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Planner) loop(ctx context.Context) {
	defer p.wg.Done()

	dispatch := time.NewTicker(dispatchInterval)
	defer dispatch.Stop()
	replan := time.NewTicker(replanInterval)
	defer replan.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
			if err := p.Reconcile(ctx); err != nil {
				log.Printf("[Notify] Replan error: %v", err)
			}
		case <-replan.C:
			if err := p.Reconcile(ctx); err != nil {
				log.Printf("[Notify] Replan error: %v", err)
			}
		case <-dispatch.C:
			if err := p.Dispatch(ctx, time.Now().UTC()); err != nil {
				log.Printf("[Notify] Dispatch error: %v", err)
			}
		}
	}
}

// Reconcile recomputes the desired reminder set over the horizon and diffs
// it against the stored notifications: missing reminders are inserted, moved
// ones updated in place, and reminders whose occurrence no longer exists
// (cancelled, completed, deleted, or past) are removed.
func (p *Planner) Reconcile(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()

	settings, err := p.db.GetSettings(ctx)
	if err != nil {
		return err
	}

	desired, live, err := p.desiredSet(ctx, now, settings.ReminderOffsets)
	if err != nil {
		return err
	}

	existing, err := p.db.ListNotifications(ctx)
	if err != nil {
		return err
	}

	var added, moved, removed int
	for _, n := range existing {
		key := planKey(n.OccurrenceID, n.Offset)
		want, ok := desired[key]
		if !ok {
			// Due-but-undispatched rows are the dispatcher's to consume,
			// but only while the occurrence itself is still live.
			// Completion, cancellation and deletion remove them
			// regardless of trigger time.
			if !n.TriggerAt.After(now) && live[key] {
				continue
			}
			if err := p.db.DeleteNotification(ctx, n.ID); err != nil {
				return err
			}
			removed++
			continue
		}
		if want.TriggerAt.Equal(n.TriggerAt) && want.Payload == n.Payload {
			delete(desired, key)
		} else {
			moved++
		}
	}

	for _, n := range desired {
		if err := p.db.UpsertNotification(ctx, n); err != nil {
			return err
		}
		added++
	}
	added -= moved

	if added > 0 || moved > 0 || removed > 0 {
		log.Printf("[Notify] Plan reconciled: %d added, %d moved, %d removed", added, moved, removed)
	}
	return nil
}

// desiredSet expands every live record over the horizon and crosses the
// occurrences with the configured reminder offsets. It returns the reminders
// to plan (trigger still ahead) plus the full set of live pair keys, which
// includes pairs whose trigger has already passed; a stored row outside the
// live set belongs to a completed, cancelled or deleted occurrence.
func (p *Planner) desiredSet(ctx context.Context, now time.Time, offsets []time.Duration) (map[string]*db.ScheduledNotification, map[string]bool, error) {
	records, err := p.db.ListRecords(ctx, false)
	if err != nil {
		return nil, nil, err
	}

	desired := make(map[string]*db.ScheduledNotification)
	live := make(map[string]bool)
	// Occurrences started within the dispatch grace still count as live
	windowStart := now.Add(-staleGrace)
	windowEnd := now.Add(p.horizon)

	for _, rec := range records {
		if rec.Completed {
			continue
		}

		exRows, err := p.db.ListExceptions(ctx, rec.ID)
		if err != nil {
			return nil, nil, err
		}
		exceptions := make([]recurrence.Exception, len(exRows))
		for i, ex := range exRows {
			exceptions[i] = ex.ToExpansion()
		}

		occs, err := recurrence.Expand(rec.ID, rec.Rule, rec.Anchor, rec.Duration, windowStart, windowEnd, exceptions)
		if err != nil {
			log.Printf("[Notify] Skipping record %s: %v", rec.ID, err)
			continue
		}

		for _, occ := range occs {
			title := rec.Title
			if occ.Payload != "" {
				title = occ.Payload
			}
			payload, err := json.Marshal(reminderPayload{
				Title: title,
				Kind:  string(rec.Kind),
				Start: occ.Start,
			})
			if err != nil {
				return nil, nil, err
			}

			for _, offset := range offsets {
				live[planKey(occ.ID(), offset)] = true
				trigger := occ.Start.Add(-offset)
				if !trigger.After(now) {
					continue
				}
				desired[planKey(occ.ID(), offset)] = &db.ScheduledNotification{
					OccurrenceID: occ.ID(),
					Offset:       offset,
					TriggerAt:    trigger,
					Channel:      string(KindReminder),
					Payload:      string(payload),
				}
			}
		}
	}

	return desired, live, nil
}

// Dispatch delivers every due reminder and consumes its row. Reminders whose
// occurrence start already passed (beyond a small grace) are dropped: firing
// a "starts in 10 minutes" alert an hour late helps nobody.
func (p *Planner) Dispatch(ctx context.Context, now time.Time) error {
	due, err := p.db.DueNotifications(ctx, now)
	if err != nil {
		return err
	}

	for _, n := range due {
		start := n.TriggerAt.Add(n.Offset)
		if now.After(start.Add(staleGrace)) {
			if err := p.db.DeleteNotification(ctx, n.ID); err != nil {
				return err
			}
			continue
		}

		var payload reminderPayload
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			log.Printf("[Notify] Dropping reminder %s with bad payload: %v", n.ID, err)
			if err := p.db.DeleteNotification(ctx, n.ID); err != nil {
				return err
			}
			continue
		}

		p.notifier.Send(ctx, Message{
			Kind:      KindReminder,
			Title:     payload.Title,
			Body:      reminderBody(payload, now),
			Timestamp: now,
		})

		if err := p.db.DeleteNotification(ctx, n.ID); err != nil {
			return err
		}
	}
	return nil
}

// CancelOccurrence drops every planned reminder for one occurrence. Used
// when a single occurrence is cancelled without waiting for the next
// reconcile.
func (p *Planner) CancelOccurrence(ctx context.Context, occurrenceID string) (int64, error) {
	return p.db.DeleteNotificationsForOccurrence(ctx, occurrenceID)
}

// RescheduleSummary moves the daily summary to a new wall-clock time.
func (p *Planner) RescheduleSummary(timeOfDay string) error {
	return p.scheduleSummary(timeOfDay)
}

func (p *Planner) scheduleSummary(timeOfDay string) error {
	spec, err := cronSpec(timeOfDay)
	if err != nil {
		return err
	}

	if p.summaryEntry != 0 {
		p.cron.Remove(p.summaryEntry)
	}
	entry, err := p.cron.AddFunc(spec, func() {
		if err := p.SendDailySummary(context.Background(), time.Now().UTC()); err != nil {
			log.Printf("[Notify] Daily summary error: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule daily summary: %w", err)
	}
	p.summaryEntry = entry
	return nil
}

// SendDailySummary delivers the agenda for the calendar day containing now.
func (p *Planner) SendDailySummary(ctx context.Context, now time.Time) error {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	records, err := p.db.ListRecords(ctx, false)
	if err != nil {
		return err
	}

	type line struct {
		start time.Time
		text  string
	}
	var events []line
	var tasks []line

	for _, rec := range records {
		if rec.Completed {
			continue
		}

		exRows, err := p.db.ListExceptions(ctx, rec.ID)
		if err != nil {
			return err
		}
		exceptions := make([]recurrence.Exception, len(exRows))
		for i, ex := range exRows {
			exceptions[i] = ex.ToExpansion()
		}

		occs, err := recurrence.Expand(rec.ID, rec.Rule, rec.Anchor, rec.Duration, dayStart, dayEnd, exceptions)
		if err != nil {
			continue
		}

		for _, occ := range occs {
			title := rec.Title
			if occ.Payload != "" {
				title = occ.Payload
			}
			entry := line{start: occ.Start, text: fmt.Sprintf("%s  %s", occ.Start.Format("15:04"), title)}
			if rec.Kind == db.KindTask {
				tasks = append(tasks, entry)
			} else {
				events = append(events, entry)
			}
		}
	}

	var body strings.Builder
	if len(events) == 0 && len(tasks) == 0 {
		body.WriteString("Nothing scheduled today.")
	}
	if len(events) > 0 {
		body.WriteString("Events:\n")
		for _, e := range events {
			body.WriteString("  " + e.text + "\n")
		}
	}
	if len(tasks) > 0 {
		if len(events) > 0 {
			body.WriteString("\n")
		}
		body.WriteString("Tasks due:\n")
		for _, t := range tasks {
			body.WriteString("  " + t.text + "\n")
		}
	}

	p.notifier.Send(ctx, Message{
		Kind:      KindSummary,
		Title:     fmt.Sprintf("Agenda for %s", dayStart.Format("Monday, Jan 2")),
		Body:      strings.TrimRight(body.String(), "\n"),
		Timestamp: now,
	})
	return nil
}

// cleanup purges old sync logs.
func (p *Planner) cleanup(ctx context.Context) {
	deleted, err := p.db.CleanOldSyncLogs(ctx, logRetention)
	if err != nil {
		log.Printf("[Notify] Log cleanup error: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("[Notify] Cleaned up %d old sync logs", deleted)
	}
}

func planKey(occurrenceID string, offset time.Duration) string {
	return occurrenceID + "|" + strconv.FormatInt(int64(offset/time.Second), 10)
}

// cronSpec converts a "15:04" wall-clock time to a daily cron expression.
func cronSpec(timeOfDay string) (string, error) {
	parsed, err := time.Parse("15:04", timeOfDay)
	if err != nil {
		return "", fmt.Errorf("invalid summary time %q: %w", timeOfDay, err)
	}
	return fmt.Sprintf("%d %d * * *", parsed.Minute(), parsed.Hour()), nil
}

func reminderBody(p reminderPayload, now time.Time) string {
	in := p.Start.Sub(now).Round(time.Minute)
	if in <= 0 {
		return fmt.Sprintf("Starting now (%s)", p.Start.Format("15:04"))
	}
	return fmt.Sprintf("Starts in %s (%s)", in, p.Start.Format("15:04"))
}
