// Package journal is the durable change outbox. Every local mutation is
// captured here in the same transaction that applies it, so a crash between
// the edit and the push can never lose the intent to sync.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/macjediwizard/daysync/internal/db"
)

// store is the slice of the database layer the journal needs. Both db.DB and
// db.Tx satisfy it, so entries can be appended inside a caller's transaction.
type store interface {
	AppendChange(ctx context.Context, change *db.PendingChange) error
	DueChanges(ctx context.Context, now time.Time, limit int) ([]*db.PendingChange, error)
	AckChange(ctx context.Context, id string) error
	RequeueChange(ctx context.Context, id string, nextAttempt time.Time, lastError string) error
	MarkChangeFailed(ctx context.Context, id, lastError string) error
	CountChanges(ctx context.Context) (pending int, failed int, err error)
	RetryFailedChanges(ctx context.Context) (int64, error)
}

// Journal applies the retry policy on top of the outbox table.
type Journal struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option configures a Journal.
type Option func(*Journal)

// WithRetryPolicy overrides the default retry limits.
func WithRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(j *Journal) {
		j.maxRetries = maxRetries
		j.baseDelay = baseDelay
		j.maxDelay = maxDelay
	}
}

// New creates a Journal with the default policy: 8 attempts with exponential
// backoff from 30 seconds, capped at 15 minutes.
func New(opts ...Option) *Journal {
	j := &Journal{
		maxRetries: 8,
		baseDelay:  30 * time.Second,
		maxDelay:   15 * time.Minute,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Record appends a journal entry carrying a JSON snapshot of the record as
// it was at mutation time. Call it on the same transaction that writes the
// record so both land atomically.
func (j *Journal) Record(ctx context.Context, s store, op db.ChangeOp, rec *db.SyncableRecord) (*db.PendingChange, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record snapshot: %w", err)
	}

	change := &db.PendingChange{
		Op:       op,
		RecordID: rec.ID,
		Payload:  string(payload),
	}
	if err := s.AppendChange(ctx, change); err != nil {
		return nil, err
	}
	return change, nil
}

// Due returns the entries ready to push, oldest first, honoring per-record
// ordering.
func (j *Journal) Due(ctx context.Context, s store, now time.Time, limit int) ([]*db.PendingChange, error) {
	return s.DueChanges(ctx, now, limit)
}

// Ack removes an entry after the push was confirmed by the target.
func (j *Journal) Ack(ctx context.Context, s store, change *db.PendingChange) error {
	return s.AckChange(ctx, change.ID)
}

// Fail records a push failure: the entry is requeued with exponential
// backoff until the retry budget runs out, then parked as failed. Parked
// entries survive restarts and block later pushes for the same record until
// an operator intervenes.
func (j *Journal) Fail(ctx context.Context, s store, change *db.PendingChange, cause error) error {
	msg := cause.Error()
	if change.RetryCount+1 >= j.maxRetries {
		log.Printf("Journal: change %s for record %s failed permanently after %d attempts: %v",
			change.ID, change.RecordID, change.RetryCount+1, cause)
		return s.MarkChangeFailed(ctx, change.ID, msg)
	}

	delay := j.backoff(change.RetryCount)
	log.Printf("Journal: change %s for record %s failed (attempt %d), retrying in %s: %v",
		change.ID, change.RecordID, change.RetryCount+1, delay, cause)
	return s.RequeueChange(ctx, change.ID, time.Now().UTC().Add(delay), msg)
}

// Snapshot decodes the record snapshot carried by a journal entry.
func Snapshot(change *db.PendingChange) (*db.SyncableRecord, error) {
	rec := &db.SyncableRecord{}
	if err := json.Unmarshal([]byte(change.Payload), rec); err != nil {
		return nil, fmt.Errorf("decode change payload: %w", err)
	}
	return rec, nil
}

// Stats returns the pending and failed entry counts.
func (j *Journal) Stats(ctx context.Context, s store) (pending, failed int, err error) {
	return s.CountChanges(ctx)
}

// RetryFailed returns parked entries to the pending queue.
func (j *Journal) RetryFailed(ctx context.Context, s store) (int64, error) {
	return s.RetryFailedChanges(ctx)
}

// backoff returns the delay before attempt retry+1.
func (j *Journal) backoff(retry int) time.Duration {
	delay := time.Duration(float64(j.baseDelay) * math.Pow(2, float64(retry)))
	if delay > j.maxDelay || delay <= 0 {
		return j.maxDelay
	}
	return delay
}
