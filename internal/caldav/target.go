package caldav

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"

	"github.com/macjediwizard/daysync/internal/db"
	"github.com/macjediwizard/daysync/internal/recurrence"
	"github.com/macjediwizard/daysync/internal/syncer"
)

const productID = "-//MacJediWizard//daysync//EN"

// Target adapts a CalDAV calendar into a sync target. CalDAV has no change
// feed, so pulls diff the server's ETags against the calendar_links table:
// a new path is a create, a changed ETag is an edit, a vanished path is a
// deletion. Link state is committed only after the coordinator has applied
// the pull, so a crashed cycle re-diffs instead of losing edits.
//
// Only event records are mirrored; tasks live on the remote backend alone.
type Target struct {
	client       *Client
	db           *db.DB
	calendarPath string

	mu           sync.Mutex
	pendingLinks []*db.CalendarLink // ETags observed by the last pull
	pendingDrops []string           // Record IDs whose objects vanished
}

// NewTarget creates a CalDAV sync target for one calendar collection.
func NewTarget(client *Client, database *db.DB, calendarPath string) *Target {
	return &Target{
		client:       client,
		db:           database,
		calendarPath: strings.TrimSuffix(calendarPath, "/") + "/",
	}
}

// Name returns the stable target identifier.
func (t *Target) Name() string {
	return string(db.OriginCalendar)
}

// Pull diffs the calendar against the stored link state and returns the
// changed records. The cursor is a scan timestamp; the real pull position is
// the link table, committed separately via Commit.
func (t *Target) Pull(ctx context.Context, _ string) (*syncer.PullResult, error) {
	objects, err := t.client.ListObjects(ctx, t.calendarPath)
	if err != nil {
		return nil, mapErr(err)
	}

	links, err := t.db.ListCalendarLinks(ctx)
	if err != nil {
		return nil, err
	}
	linkByRecord := make(map[string]*db.CalendarLink, len(links))
	for _, link := range links {
		linkByRecord[link.RecordID] = link
	}

	var records []*db.SyncableRecord
	var newLinks []*db.CalendarLink
	var drops []string
	seen := make(map[string]bool, len(objects))

	for i := range objects {
		obj := &objects[i]
		rec, err := t.importObject(ctx, obj)
		if err != nil {
			log.Printf("CalDAV: skipping object %s: %v", obj.Path, err)
			continue
		}
		if rec == nil {
			continue
		}
		seen[rec.ID] = true

		link := linkByRecord[rec.ID]
		if link != nil && link.ETag == obj.ETag {
			// Unchanged since last cycle
			continue
		}

		records = append(records, rec)
		newLinks = append(newLinks, &db.CalendarLink{RecordID: rec.ID, Path: obj.Path, ETag: obj.ETag})
	}

	// Objects we mirrored before that are gone now were deleted on the
	// calendar side.
	for _, link := range links {
		if seen[link.RecordID] {
			continue
		}
		local, err := t.db.GetRecord(ctx, link.RecordID)
		if errors.Is(err, db.ErrNotFound) {
			drops = append(drops, link.RecordID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if local.Deleted {
			drops = append(drops, link.RecordID)
			continue
		}

		tombstone := *local
		tombstone.Deleted = true
		tombstone.Origin = db.OriginCalendar
		tombstone.ModifiedAt = time.Now().UTC()
		records = append(records, &tombstone)
		drops = append(drops, link.RecordID)
	}

	t.mu.Lock()
	t.pendingLinks = newLinks
	t.pendingDrops = drops
	t.mu.Unlock()

	return &syncer.PullResult{
		Records: records,
		Cursor:  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Commit persists the ETag state observed by the last pull. Runs only after
// the coordinator applied the batch.
func (t *Target) Commit(ctx context.Context) error {
	t.mu.Lock()
	links := t.pendingLinks
	drops := t.pendingDrops
	t.pendingLinks = nil
	t.pendingDrops = nil
	t.mu.Unlock()

	for _, link := range links {
		if err := t.db.UpsertCalendarLink(ctx, link); err != nil {
			return err
		}
	}
	for _, recordID := range drops {
		if err := t.db.DeleteCalendarLink(ctx, recordID); err != nil {
			return err
		}
	}
	return nil
}

// Push mirrors one journal entry onto the calendar.
func (t *Target) Push(ctx context.Context, op db.ChangeOp, rec *db.SyncableRecord) error {
	if rec.Kind != db.KindEvent {
		// Tasks are not mirrored; accept the change as a no-op
		return nil
	}

	links, err := t.db.ListCalendarLinks(ctx)
	if err != nil {
		return err
	}
	var link *db.CalendarLink
	for _, l := range links {
		if l.RecordID == rec.ID {
			link = l
			break
		}
	}

	if op == db.OpDelete || rec.Deleted {
		if link == nil {
			return nil
		}
		if err := t.client.DeleteObject(ctx, link.Path); err != nil {
			return mapErr(err)
		}
		return t.db.DeleteCalendarLink(ctx, rec.ID)
	}

	cal, err := t.exportRecord(rec)
	if err != nil {
		return err
	}

	path := t.calendarPath + rec.ID + ".ics"
	if link != nil {
		path = link.Path
	}

	etag, err := t.client.PutObject(ctx, path, cal)
	if err != nil {
		return mapErr(err)
	}
	return t.db.UpsertCalendarLink(ctx, &db.CalendarLink{RecordID: rec.ID, Path: path, ETag: etag})
}

// importObject converts a CalDAV object to a syncable record. The incoming
// version copies the local one so the resolver sees a divergence, not a
// fast-forward; CalDAV has no version counter of its own.
func (t *Target) importObject(ctx context.Context, obj *Object) (*db.SyncableRecord, error) {
	if obj.Data == nil {
		return nil, fmt.Errorf("%w: no calendar data", ErrMalformedContent)
	}

	events := obj.Data.Events()
	if len(events) == 0 {
		return nil, nil // Not an event object
	}
	ev := events[0]

	uid, err := ev.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return nil, fmt.Errorf("%w: event without UID", ErrMalformedContent)
	}

	rec := &db.SyncableRecord{
		ID:     uid,
		Kind:   db.KindEvent,
		Origin: db.OriginCalendar,
	}

	if summary, err := ev.Props.Text(ical.PropSummary); err == nil {
		rec.Title = summary
	}
	if desc, err := ev.Props.Text(ical.PropDescription); err == nil {
		rec.Notes = desc
	}

	start, err := ev.DateTimeStart(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: bad DTSTART: %w", ErrMalformedContent, err)
	}
	rec.Anchor = start

	if end, err := ev.DateTimeEnd(time.UTC); err == nil && end.After(start) {
		rec.Duration = end.Sub(start)
	}

	rec.ModifiedAt = time.Now().UTC()
	if prop := ev.Props.Get(ical.PropLastModified); prop != nil {
		if lm, err := prop.DateTime(time.UTC); err == nil {
			rec.ModifiedAt = lm
		}
	}

	if prop := ev.Props.Get(ical.PropRecurrenceRule); prop != nil {
		rule, err := recurrence.FromRRule(prop.Value)
		if err != nil {
			// Never import recurrence semantics the expander cannot
			// reproduce; the event stays calendar-only.
			return nil, err
		}
		rec.Rule = rule
	} else {
		rec.Rule = recurrence.Rule{Frequency: recurrence.FreqDaily, Interval: 1, Count: 1}
	}

	if local, err := t.db.GetRecord(ctx, uid); err == nil {
		rec.Version = local.Version
		rec.Completed = local.Completed
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	} else {
		rec.Version = 1
	}

	return rec, nil
}

// exportRecord converts a record to a VEVENT calendar object.
func (t *Target) exportRecord(rec *db.SyncableRecord) (*ical.Calendar, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, rec.ID)
	ev.Props.SetText(ical.PropSummary, rec.Title)
	if rec.Notes != "" {
		ev.Props.SetText(ical.PropDescription, rec.Notes)
	}
	ev.Props.SetDateTime(ical.PropDateTimeStart, rec.Anchor.UTC())
	if rec.Duration > 0 {
		ev.Props.SetDateTime(ical.PropDateTimeEnd, rec.Anchor.Add(rec.Duration).UTC())
	}
	ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ev.Props.SetDateTime(ical.PropLastModified, rec.ModifiedAt.UTC())
	ev.Props.SetText(ical.PropSequence, strconv.FormatInt(rec.Version, 10))

	if rec.Rule.IsRecurring() {
		value, err := rec.Rule.ToRRule(rec.Anchor)
		if err != nil {
			return nil, err
		}
		ev.Props.SetText(ical.PropRecurrenceRule, value)
	}

	cal.Children = append(cal.Children, ev.Component)
	return cal, nil
}

// mapErr translates client sentinels to the coordinator's target errors.
func mapErr(err error) error {
	switch {
	case errors.Is(err, ErrAuthFailed):
		return fmt.Errorf("%w: %w", syncer.ErrUnauthorized, err)
	case errors.Is(err, ErrConnectionFailed):
		return fmt.Errorf("%w: %w", syncer.ErrUnavailable, err)
	default:
		return err
	}
}
