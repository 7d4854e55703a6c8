package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/daysync/internal/recurrence"
)

// GetOrCreateUser returns an existing user by email or creates a new one.
func (s Store) GetOrCreateUser(ctx context.Context, email, name string) (*User, error) {
	user, err := s.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Create new user
	user = &User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	query := `INSERT INTO users (id, email, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err = s.q.ExecContext(ctx, query, user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// GetUserByEmail returns a user by their email address.
func (s Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT id, email, name, created_at, updated_at FROM users WHERE email = ?`
	row := s.q.QueryRowContext(ctx, query, email)

	user := &User{}
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	return user, nil
}

// GetUserByID returns a user by their ID.
func (s Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT id, email, name, created_at, updated_at FROM users WHERE id = ?`
	row := s.q.QueryRowContext(ctx, query, id)

	user := &User{}
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return user, nil
}

const recordColumns = `id, kind, title, notes, origin, version, modified_at, deleted, completed,
	delete_acks, anchor, duration_secs, freq, rule_interval, until, occurrence_count,
	weekdays, month_days, created_at, updated_at`

// CreateRecord inserts a new record. Version starts at 1 unless the caller
// already set one (records arriving from a sync target keep their version).
func (s Store) CreateRecord(ctx context.Context, rec *SyncableRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.ModifiedAt.IsZero() {
		rec.ModifiedAt = now
	}

	query := `INSERT INTO records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.q.ExecContext(ctx, query,
		rec.ID, rec.Kind, rec.Title, rec.Notes, rec.Origin, rec.Version,
		rec.ModifiedAt, rec.Deleted, rec.Completed, encodeStrings(rec.DeleteAcks),
		rec.Anchor, int64(rec.Duration/time.Second),
		rec.Rule.Frequency, rec.Rule.Interval, rec.Rule.Until, rec.Rule.Count,
		encodeWeekdays(rec.Rule.Weekdays), encodeInts(rec.Rule.MonthDays),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}

	return nil
}

// GetRecord returns a record by its ID, tombstones included.
func (s Store) GetRecord(ctx context.Context, id string) (*SyncableRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE id = ?`
	return scanRecord(s.q.QueryRowContext(ctx, query, id))
}

// ListRecords returns all live records, or all records including tombstones
// when includeDeleted is set.
func (s Store) ListRecords(ctx context.Context, includeDeleted bool) ([]*SyncableRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE deleted = 0 ORDER BY anchor`
	if includeDeleted {
		query = `SELECT ` + recordColumns + ` FROM records ORDER BY anchor`
	}

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*SyncableRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateRecord overwrites a record unconditionally. Callers that enforce
// version monotonicity use ApplyRecord instead.
func (s Store) UpdateRecord(ctx context.Context, rec *SyncableRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	query := `UPDATE records SET kind = ?, title = ?, notes = ?, origin = ?, version = ?,
		modified_at = ?, deleted = ?, completed = ?, delete_acks = ?, anchor = ?, duration_secs = ?,
		freq = ?, rule_interval = ?, until = ?, occurrence_count = ?, weekdays = ?, month_days = ?,
		updated_at = ? WHERE id = ?`

	result, err := s.q.ExecContext(ctx, query,
		rec.Kind, rec.Title, rec.Notes, rec.Origin, rec.Version,
		rec.ModifiedAt, rec.Deleted, rec.Completed, encodeStrings(rec.DeleteAcks),
		rec.Anchor, int64(rec.Duration/time.Second),
		rec.Rule.Frequency, rec.Rule.Interval, rec.Rule.Until, rec.Rule.Count,
		encodeWeekdays(rec.Rule.Weekdays), encodeInts(rec.Rule.MonthDays),
		rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyRecord writes a resolved record version, inserting when the record is
// new and refusing to move the version backwards. The version check is a
// read followed by a write, so callers must run it inside a transaction.
func (s Store) ApplyRecord(ctx context.Context, rec *SyncableRecord) error {
	existing, err := s.GetRecord(ctx, rec.ID)
	if errors.Is(err, ErrNotFound) {
		return s.CreateRecord(ctx, rec)
	}
	if err != nil {
		return err
	}
	if rec.Version < existing.Version {
		return fmt.Errorf("%w: record %s has version %d, incoming %d",
			ErrStaleVersion, rec.ID, existing.Version, rec.Version)
	}
	rec.CreatedAt = existing.CreatedAt
	return s.UpdateRecord(ctx, rec)
}

// PurgeRecord removes a record row entirely. Used only after every target
// has acknowledged the tombstone.
func (s Store) PurgeRecord(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to purge record: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddDeleteAck records that a target confirmed a tombstone and returns the
// updated ack list.
func (s Store) AddDeleteAck(ctx context.Context, id, target string) ([]string, error) {
	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, t := range rec.DeleteAcks {
		if t == target {
			return rec.DeleteAcks, nil
		}
	}
	rec.DeleteAcks = append(rec.DeleteAcks, target)

	_, err = s.q.ExecContext(ctx,
		`UPDATE records SET delete_acks = ?, updated_at = ? WHERE id = ?`,
		encodeStrings(rec.DeleteAcks), time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to record delete ack: %w", err)
	}
	return rec.DeleteAcks, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the record scan helper.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*SyncableRecord, error) {
	rec := &SyncableRecord{}
	var durationSecs int64
	var acks, weekdays, monthDays string
	var until sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.Kind, &rec.Title, &rec.Notes, &rec.Origin, &rec.Version,
		&rec.ModifiedAt, &rec.Deleted, &rec.Completed, &acks,
		&rec.Anchor, &durationSecs,
		&rec.Rule.Frequency, &rec.Rule.Interval, &until, &rec.Rule.Count,
		&weekdays, &monthDays,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Duration = time.Duration(durationSecs) * time.Second
	rec.DeleteAcks = decodeStrings(acks)
	rec.Rule.Weekdays = decodeWeekdays(weekdays)
	rec.Rule.MonthDays = decodeInts(monthDays)
	if until.Valid {
		u := until.Time
		rec.Rule.Until = &u
	}
	return rec, nil
}

// UpsertException creates or replaces the exception for a series date.
func (s Store) UpsertException(ctx context.Context, ex *Exception) error {
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ex.UpdatedAt = now
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = now
	}

	query := `INSERT INTO exceptions (id, series_id, original_date, cancelled, new_start, new_end, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(series_id, original_date) DO UPDATE SET
			cancelled = excluded.cancelled,
			new_start = excluded.new_start,
			new_end = excluded.new_end,
			payload = excluded.payload,
			updated_at = excluded.updated_at`

	_, err := s.q.ExecContext(ctx, query,
		ex.ID, ex.SeriesID, ex.OriginalDate, ex.Cancelled, ex.NewStart, ex.NewEnd,
		ex.Payload, ex.CreatedAt, ex.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert exception: %w", err)
	}
	return nil
}

// GetException returns the exception for one series date, if any.
func (s Store) GetException(ctx context.Context, seriesID, originalDate string) (*Exception, error) {
	query := `SELECT id, series_id, original_date, cancelled, new_start, new_end, payload, created_at, updated_at
		FROM exceptions WHERE series_id = ? AND original_date = ?`
	row := s.q.QueryRowContext(ctx, query, seriesID, originalDate)
	return scanException(row)
}

// ListExceptions returns all exceptions for a series.
func (s Store) ListExceptions(ctx context.Context, seriesID string) ([]*Exception, error) {
	query := `SELECT id, series_id, original_date, cancelled, new_start, new_end, payload, created_at, updated_at
		FROM exceptions WHERE series_id = ? ORDER BY original_date`

	rows, err := s.q.QueryContext(ctx, query, seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exceptions: %w", err)
	}
	defer rows.Close()

	var exceptions []*Exception
	for rows.Next() {
		ex, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		exceptions = append(exceptions, ex)
	}
	return exceptions, rows.Err()
}

// DeleteException removes the override for a series date, restoring the
// generated occurrence.
func (s Store) DeleteException(ctx context.Context, seriesID, originalDate string) error {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM exceptions WHERE series_id = ? AND original_date = ?`,
		seriesID, originalDate)
	if err != nil {
		return fmt.Errorf("failed to delete exception: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanException(row scanner) (*Exception, error) {
	ex := &Exception{}
	var newStart, newEnd sql.NullTime

	err := row.Scan(&ex.ID, &ex.SeriesID, &ex.OriginalDate, &ex.Cancelled,
		&newStart, &newEnd, &ex.Payload, &ex.CreatedAt, &ex.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan exception: %w", err)
	}

	if newStart.Valid {
		t := newStart.Time
		ex.NewStart = &t
	}
	if newEnd.Valid {
		t := newEnd.Time
		ex.NewEnd = &t
	}
	return ex, nil
}

// ToExpansion converts a stored exception to its expansion form.
func (ex *Exception) ToExpansion() recurrence.Exception {
	return recurrence.Exception{
		SeriesID:     ex.SeriesID,
		OriginalDate: ex.OriginalDate,
		Cancelled:    ex.Cancelled,
		Start:        ex.NewStart,
		End:          ex.NewEnd,
		Payload:      ex.Payload,
	}
}

// GetCursor returns the pull cursor for a target, or an empty cursor if the
// target has never completed a pull.
func (s Store) GetCursor(ctx context.Context, target string) (*SyncCursor, error) {
	query := `SELECT target, cursor, updated_at FROM sync_cursors WHERE target = ?`
	row := s.q.QueryRowContext(ctx, query, target)

	c := &SyncCursor{}
	err := row.Scan(&c.Target, &c.Cursor, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &SyncCursor{Target: target}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return c, nil
}

// SetCursor advances the pull cursor for a target.
func (s Store) SetCursor(ctx context.Context, target, cursor string) error {
	query := `INSERT INTO sync_cursors (target, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(target) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`
	_, err := s.q.ExecContext(ctx, query, target, cursor, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// CreateSyncLog records the outcome of one sync cycle.
func (s Store) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_logs (id, target, status, message, details, pulled, applied, conflicts, pushed, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.q.ExecContext(ctx, query,
		log.ID, log.Target, log.Status, log.Message, log.Details,
		log.Pulled, log.Applied, log.Conflicts, log.Pushed,
		log.Duration.Milliseconds(), log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return nil
}

// GetSyncLogs returns recent sync logs for a target, newest first. An empty
// target returns logs for all targets.
func (s Store) GetSyncLogs(ctx context.Context, target string, limit int) ([]*SyncLog, error) {
	query := `SELECT id, target, status, message, details, pulled, applied, conflicts, pushed, duration_ms, created_at
		FROM sync_logs`
	args := []any{}
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var message, details sql.NullString
		var durationMs int64
		if err := rows.Scan(&log.ID, &log.Target, &log.Status, &message, &details,
			&log.Pulled, &log.Applied, &log.Conflicts, &log.Pushed,
			&durationMs, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.Message = message.String
		log.Details = details.String
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// CleanOldSyncLogs removes sync logs older than the retention window.
func (s Store) CleanOldSyncLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	result, err := s.q.ExecContext(ctx, `DELETE FROM sync_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}
	return result.RowsAffected()
}

// UpsertCalendarLink stores the CalDAV path and ETag for a mirrored record.
func (s Store) UpsertCalendarLink(ctx context.Context, link *CalendarLink) error {
	query := `INSERT INTO calendar_links (record_id, path, etag, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET path = excluded.path, etag = excluded.etag, updated_at = excluded.updated_at`
	_, err := s.q.ExecContext(ctx, query, link.RecordID, link.Path, link.ETag, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert calendar link: %w", err)
	}
	return nil
}

// ListCalendarLinks returns all known CalDAV object links.
func (s Store) ListCalendarLinks(ctx context.Context) ([]*CalendarLink, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT record_id, path, etag, updated_at FROM calendar_links`)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendar links: %w", err)
	}
	defer rows.Close()

	var links []*CalendarLink
	for rows.Next() {
		link := &CalendarLink{}
		if err := rows.Scan(&link.RecordID, &link.Path, &link.ETag, &link.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan calendar link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// DeleteCalendarLink removes the link for a record that no longer exists on
// the calendar.
func (s Store) DeleteCalendarLink(ctx context.Context, recordID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM calendar_links WHERE record_id = ?`, recordID)
	if err != nil {
		return fmt.Errorf("failed to delete calendar link: %w", err)
	}
	return nil
}

// GetSettings returns the settings row, creating defaults on first read.
func (s Store) GetSettings(ctx context.Context) (*Settings, error) {
	query := `SELECT conflict_policy, reminder_offsets, daily_summary_time, updated_at FROM settings WHERE id = 1`
	row := s.q.QueryRowContext(ctx, query)

	set := &Settings{}
	var offsets string
	err := row.Scan(&set.ConflictPolicy, &offsets, &set.DailySummaryTime, &set.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		set = &Settings{
			ConflictPolicy:   "newer_wins",
			ReminderOffsets:  []time.Duration{10 * time.Minute},
			DailySummaryTime: "08:00",
			UpdatedAt:        time.Now().UTC(),
		}
		return set, s.SaveSettings(ctx, set)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	set.ReminderOffsets = DecodeOffsets(offsets)
	return set, nil
}

// SaveSettings persists the single settings row.
func (s Store) SaveSettings(ctx context.Context, set *Settings) error {
	set.UpdatedAt = time.Now().UTC()
	query := `INSERT INTO settings (id, conflict_policy, reminder_offsets, daily_summary_time, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conflict_policy = excluded.conflict_policy,
			reminder_offsets = excluded.reminder_offsets,
			daily_summary_time = excluded.daily_summary_time,
			updated_at = excluded.updated_at`
	_, err := s.q.ExecContext(ctx, query,
		set.ConflictPolicy, EncodeOffsets(set.ReminderOffsets), set.DailySummaryTime, set.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
