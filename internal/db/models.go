package db

import (
	"strconv"
	"strings"
	"time"

	"github.com/macjediwizard/daysync/internal/recurrence"
)

// RecordKind distinguishes calendar events from tasks.
type RecordKind string

const (
	KindEvent RecordKind = "event"
	KindTask  RecordKind = "task"
)

// ValidRecordKinds contains all valid record kind values.
var ValidRecordKinds = map[RecordKind]bool{
	KindEvent: true,
	KindTask:  true,
}

// IsValid returns true if the record kind is a known valid value.
func (k RecordKind) IsValid() bool {
	return ValidRecordKinds[k]
}

// Origin identifies where a record version was authored. It doubles as the
// conflict tie-break order: local beats remote beats external calendar.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginRemote   Origin = "remote_backend"
	OriginCalendar Origin = "external_calendar"
)

// ValidOrigins contains all valid origin values.
var ValidOrigins = map[Origin]bool{
	OriginLocal:    true,
	OriginRemote:   true,
	OriginCalendar: true,
}

// IsValid returns true if the origin is a known valid value.
func (o Origin) IsValid() bool {
	return ValidOrigins[o]
}

// Priority returns the tie-break rank of the origin, higher wins.
func (o Origin) Priority() int {
	switch o {
	case OriginLocal:
		return 3
	case OriginRemote:
		return 2
	case OriginCalendar:
		return 1
	default:
		return 0
	}
}

// ChangeOp is the kind of mutation captured in the change journal.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeStatus is the journal entry lifecycle state.
type ChangeStatus string

const (
	ChangePending ChangeStatus = "pending"
	ChangeFailed  ChangeStatus = "failed"
)

// SyncStatus represents the outcome of a sync cycle.
type SyncStatus string

const (
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial" // Cycle completed with some non-critical warnings
	SyncStatusError   SyncStatus = "error"   // Cycle failed due to critical error
)

// User represents a user in the system.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncableRecord is the unit of synchronization: one event or task series
// together with its recurrence rule and sync metadata. Version increases
// monotonically per record; an incoming version lower than the stored one is
// stale and must never overwrite.
type SyncableRecord struct {
	ID         string          `json:"id"`
	Kind       RecordKind      `json:"kind"`
	Title      string          `json:"title"`
	Notes      string          `json:"notes,omitempty"`
	Origin     Origin          `json:"origin"`
	Version    int64           `json:"version"`
	ModifiedAt time.Time       `json:"modified_at"`
	Deleted    bool            `json:"deleted"`
	Completed  bool            `json:"completed"`
	DeleteAcks []string        `json:"delete_acks,omitempty"` // Targets that confirmed the tombstone
	Anchor     time.Time       `json:"anchor"`
	Duration   time.Duration   `json:"duration"`
	Rule       recurrence.Rule `json:"rule"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Exception is a stored per-occurrence override for a series.
type Exception struct {
	ID           string     `json:"id"`
	SeriesID     string     `json:"series_id"`
	OriginalDate string     `json:"original_date"` // recurrence.DateLayout
	Cancelled    bool       `json:"cancelled"`
	NewStart     *time.Time `json:"new_start,omitempty"`
	NewEnd       *time.Time `json:"new_end,omitempty"`
	Payload      string     `json:"payload,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

/// PendingChange is one journal (outbox) entry: a durable intent to push a
// local mutation to the sync targets. Payload is a JSON snapshot of the
// record at journaling time.
type PendingChange struct {
	ID            string       `json:"id"`
	Ordinal       int64        `json:"ordinal"`
	Op            ChangeOp     `json:"op"`
	RecordID      string       `json:"record_id"`
	Payload       string       `json:"payload"`
	Status        ChangeStatus `json:"status"`
	RetryCount    int          `json:"retry_count"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	PushedTargets []string     `json:"pushed_targets,omitempty"` // Targets that accepted this change
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// PushedTo reports whether a target already accepted this change.
func (c *PendingChange) PushedTo(target string) bool {
	for _, t := range c.PushedTargets {
		if t == target {
			return true
		}
	}
	return false
}

// ScheduledNotification is a planned reminder delivery for one occurrence.
type ScheduledNotification struct {
	ID           string        `json:"id"`
	OccurrenceID string        `json:"occurrence_id"`
	Offset       time.Duration `json:"offset"` // Lead time before the occurrence start
	TriggerAt    time.Time     `json:"trigger_at"`
	Channel      string        `json:"channel"`
	Payload      string        `json:"payload,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SyncCursor is the durable pull position for one sync target.
type SyncCursor struct {
	Target    string    `json:"target"`
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncLog represents a log entry for one sync cycle against one target.
type SyncLog struct {
	ID        string        `json:"id"`
	Target    string        `json:"target"`
	Status    SyncStatus    `json:"status"`
	Message   string        `json:"message"`
	Details   string        `json:"details"`
	Pulled    int           `json:"pulled"`
	Applied   int           `json:"applied"`
	Conflicts int           `json:"conflicts"`
	Pushed    int           `json:"pushed"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// CalendarLink tracks the CalDAV object path and ETag for a mirrored record,
// used to detect remote deletions between cycles.
type CalendarLink struct {
	RecordID  string    `json:"record_id"`
	Path      string    `json:"path"`
	ETag      string    `json:"etag"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settings is the single-row user configuration.
type Settings struct {
	ConflictPolicy   string          `json:"conflict_policy"`
	ReminderOffsets  []time.Duration `json:"reminder_offsets"`
	DailySummaryTime string          `json:"daily_summary_time"` // "15:04"
	UpdatedAt        time.Time       `json:"updated_at"`
}

// encodeInts serializes an int slice as a comma-separated column value.
func encodeInts(vals []int) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// decodeInts parses a comma-separated column value back into an int slice.
func decodeInts(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func encodeWeekdays(days []time.Weekday) string {
	ints := make([]int, len(days))
	for i, d := range days {
		ints[i] = int(d)
	}
	return encodeInts(ints)
}

func decodeWeekdays(s string) []time.Weekday {
	ints := decodeInts(s)
	if len(ints) == 0 {
		return nil
	}
	out := make([]time.Weekday, len(ints))
	for i, v := range ints {
		out[i] = time.Weekday(v)
	}
	return out
}

func encodeStrings(vals []string) string {
	return strings.Join(vals, ",")
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// EncodeOffsets serializes reminder offsets as comma-separated seconds for
// the settings row.
func EncodeOffsets(offsets []time.Duration) string {
	ints := make([]int, len(offsets))
	for i, o := range offsets {
		ints[i] = int(o / time.Second)
	}
	return encodeInts(ints)
}

// DecodeOffsets parses the settings reminder_offsets column.
func DecodeOffsets(s string) []time.Duration {
	ints := decodeInts(s)
	out := make([]time.Duration, len(ints))
	for i, v := range ints {
		out[i] = time.Duration(v) * time.Second
	}
	return out
}
