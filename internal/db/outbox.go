package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendChange adds a journal entry at the end of the outbox. The ordinal is
// assigned from the current maximum so entries replay in creation order.
func (s Store) AppendChange(ctx context.Context, change *PendingChange) error {
	if change.ID == "" {
		change.ID = uuid.New().String()
	}
	if change.Status == "" {
		change.Status = ChangePending
	}
	now := time.Now().UTC()
	change.CreatedAt = now
	if change.NextAttemptAt.IsZero() {
		change.NextAttemptAt = now
	}

	query := `INSERT INTO pending_changes (id, ordinal, op, record_id, payload, status, retry_count, next_attempt_at, pushed_targets, last_error, created_at)
		VALUES (?, (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM pending_changes), ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.q.ExecContext(ctx, query,
		change.ID, change.Op, change.RecordID, change.Payload,
		change.Status, change.RetryCount, change.NextAttemptAt,
		encodeStrings(change.PushedTargets), change.LastError, change.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}

	row := s.q.QueryRowContext(ctx, `SELECT ordinal FROM pending_changes WHERE id = ?`, change.ID)
	if err := row.Scan(&change.Ordinal); err != nil {
		return fmt.Errorf("failed to read change ordinal: %w", err)
	}
	return nil
}

// DueChanges returns journal entries ready to push, oldest first. An entry
// is held back while an earlier entry for the same record is still queued,
// so per-record mutations always replay in order.
func (s Store) DueChanges(ctx context.Context, now time.Time, limit int) ([]*PendingChange, error) {
	query := `SELECT id, ordinal, op, record_id, payload, status, retry_count, next_attempt_at, pushed_targets, last_error, created_at
		FROM pending_changes c
		WHERE c.status = 'pending' AND c.next_attempt_at <= ?
		AND NOT EXISTS (
			SELECT 1 FROM pending_changes e
			WHERE e.record_id = c.record_id AND e.ordinal < c.ordinal
			AND (e.status != 'pending' OR e.next_attempt_at > ?)
		)
		ORDER BY c.ordinal LIMIT ?`

	rows, err := s.q.QueryContext(ctx, query, now.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due changes: %w", err)
	}
	defer rows.Close()

	var changes []*PendingChange
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// ListChanges returns all journal entries in ordinal order, any status.
func (s Store) ListChanges(ctx context.Context) ([]*PendingChange, error) {
	query := `SELECT id, ordinal, op, record_id, payload, status, retry_count, next_attempt_at, pushed_targets, last_error, created_at
		FROM pending_changes ORDER BY ordinal`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	var changes []*PendingChange
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// CountChanges returns the number of journal entries per status.
func (s Store) CountChanges(ctx context.Context) (pending int, failed int, err error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(status = 'pending'), 0), COALESCE(SUM(status = 'failed'), 0) FROM pending_changes`)
	if err := row.Scan(&pending, &failed); err != nil {
		return 0, 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return pending, failed, nil
}

// AckChange removes a journal entry after the push was confirmed.
func (s Store) AckChange(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM pending_changes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to ack change: %w", err)
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

// RequeueChange schedules a failed push attempt for retry at nextAttempt.
func (s Store) RequeueChange(ctx context.Context, id string, nextAttempt time.Time, lastError string) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE pending_changes SET retry_count = retry_count + 1, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		nextAttempt.UTC(), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to requeue change: %w", err)
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

// MarkChangeFailed parks a journal entry after retries are exhausted. Failed
// entries stay durable and visible until an operator requeues or drops them.
func (s Store) MarkChangeFailed(ctx context.Context, id, lastError string) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE pending_changes SET status = 'failed', last_error = ? WHERE id = ?`,
		lastError, id)
	if err != nil {
		return fmt.Errorf("failed to mark change failed: %w", err)
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

// RetryFailedChanges returns failed entries to the pending queue.
func (s Store) RetryFailedChanges(ctx context.Context) (int64, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE pending_changes SET status = 'pending', retry_count = 0, next_attempt_at = ? WHERE status = 'failed'`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed changes: %w", err)
	}
	return result.RowsAffected()
}

func scanChange(row scanner) (*PendingChange, error) {
	change := &PendingChange{}
	var pushed string
	err := row.Scan(&change.ID, &change.Ordinal, &change.Op, &change.RecordID,
		&change.Payload, &change.Status, &change.RetryCount,
		&change.NextAttemptAt, &pushed, &change.LastError, &change.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan change: %w", err)
	}
	change.PushedTargets = decodeStrings(pushed)
	return change, nil
}

// MarkChangePushed records that a target accepted a change and returns the
// updated target list.
func (s Store) MarkChangePushed(ctx context.Context, id, target string) ([]string, error) {
	row := s.q.QueryRowContext(ctx, `SELECT pushed_targets FROM pending_changes WHERE id = ?`, id)
	var pushed string
	if err := row.Scan(&pushed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read pushed targets: %w", err)
	}

	targets := decodeStrings(pushed)
	for _, t := range targets {
		if t == target {
			return targets, nil
		}
	}
	targets = append(targets, target)

	_, err := s.q.ExecContext(ctx,
		`UPDATE pending_changes SET pushed_targets = ? WHERE id = ?`,
		encodeStrings(targets), id)
	if err != nil {
		return nil, fmt.Errorf("failed to mark change pushed: %w", err)
	}
	return targets, nil
}

// HasPendingChanges reports whether any journal entry for the record is
// still queued. Used to tell a fast-forwardable pull from a real conflict.
func (s Store) HasPendingChanges(ctx context.Context, recordID string) (bool, error) {
	var count int
	row := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_changes WHERE record_id = ?`, recordID)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count record changes: %w", err)
	}
	return count > 0, nil
}

// UpsertNotification schedules a reminder. The (occurrence, offset) pair is
// unique; re-scheduling updates the trigger time in place instead of adding
// a duplicate.
func (s Store) UpsertNotification(ctx context.Context, n *ScheduledNotification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()

	query := `INSERT INTO notifications (id, occurrence_id, offset_secs, trigger_at, channel, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(occurrence_id, offset_secs) DO UPDATE SET
			trigger_at = excluded.trigger_at,
			channel = excluded.channel,
			payload = excluded.payload`

	_, err := s.q.ExecContext(ctx, query,
		n.ID, n.OccurrenceID, int64(n.Offset/time.Second), n.TriggerAt.UTC(),
		n.Channel, n.Payload, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert notification: %w", err)
	}
	return nil
}

// ListNotifications returns all scheduled notifications ordered by trigger time.
func (s Store) ListNotifications(ctx context.Context) ([]*ScheduledNotification, error) {
	query := `SELECT id, occurrence_id, offset_secs, trigger_at, channel, payload, created_at
		FROM notifications ORDER BY trigger_at`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*ScheduledNotification
	for rows.Next() {
		n := &ScheduledNotification{}
		var offsetSecs int64
		if err := rows.Scan(&n.ID, &n.OccurrenceID, &offsetSecs, &n.TriggerAt,
			&n.Channel, &n.Payload, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Offset = time.Duration(offsetSecs) * time.Second
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// DueNotifications returns notifications whose trigger time has passed.
func (s Store) DueNotifications(ctx context.Context, now time.Time) ([]*ScheduledNotification, error) {
	query := `SELECT id, occurrence_id, offset_secs, trigger_at, channel, payload, created_at
		FROM notifications WHERE trigger_at <= ? ORDER BY trigger_at`

	rows, err := s.q.QueryContext(ctx, query, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list due notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*ScheduledNotification
	for rows.Next() {
		n := &ScheduledNotification{}
		var offsetSecs int64
		if err := rows.Scan(&n.ID, &n.OccurrenceID, &offsetSecs, &n.TriggerAt,
			&n.Channel, &n.Payload, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Offset = time.Duration(offsetSecs) * time.Second
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// DeleteNotification cancels one scheduled notification by ID.
func (s Store) DeleteNotification(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
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

// DeleteNotificationsForOccurrence cancels every reminder planned for one
// occurrence. Used when an occurrence is cancelled or completed.
func (s Store) DeleteNotificationsForOccurrence(ctx context.Context, occurrenceID string) (int64, error) {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM notifications WHERE occurrence_id = ?`, occurrenceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete notifications for occurrence: %w", err)
	}
	return result.RowsAffected()
}

// CountNotifications returns the number of scheduled notifications.
func (s Store) CountNotifications(ctx context.Context) (int, error) {
	var count int
	row := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return count, nil
}
