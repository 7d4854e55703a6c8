// Package syncer keeps the local store converged with the configured sync
// targets: pull remote changes, reconcile them against local edits, push the
// journal back out. One coordinator drives all targets; each target syncs on
// its own cadence and failure budget.
package syncer

import (
	"context"
	"errors"

	"github.com/macjediwizard/daysync/internal/db"
)

var (
	// ErrUnauthorized means the target rejected our credentials. Retrying
	// will not help until the user re-authenticates, so the coordinator
	// parks the target instead of backing off.
	ErrUnauthorized = errors.New("target rejected credentials")
	// ErrUnavailable means the target could not be reached or answered with
	// a server error. The cycle fails and retries with backoff.
	ErrUnavailable = errors.New("target unavailable")
)

// PullResult is one page of changes from a target.
type PullResult struct {
	// Records are the changed records since the cursor, in target order.
	Records []*db.SyncableRecord
	// Cursor is the new pull position. It must only be persisted after
	// every record in this result has been applied.
	Cursor string
}

// Target is one remote endpoint records sync against.
type Target interface {
	// Name is the stable target identifier used for cursors and acks.
	Name() string
	// Pull returns the changes that happened after the given cursor. An
	// empty cursor asks for everything the target has.
	Pull(ctx context.Context, cursor string) (*PullResult, error)
	// Push applies one local change to the target. A nil return means the
	// target durably accepted the change.
	Push(ctx context.Context, op db.ChangeOp, rec *db.SyncableRecord) error
}

// Committer is implemented by targets that keep their own diff state (ETag
// tables and the like). Commit runs after a pull batch has been applied and
// its cursor persisted; state committed here may assume the batch is
// durable.
type Committer interface {
	Commit(ctx context.Context) error
}
