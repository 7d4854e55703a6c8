package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/macjediwizard/daysync/internal/db"
	"github.com/macjediwizard/daysync/internal/journal"
	"github.com/macjediwizard/daysync/internal/resolve"
)

const (
	defaultInterval = 5 * time.Minute
	syncTimeout     = 10 * time.Minute // Maximum time for a single sync cycle
	baseBackoff     = 30 * time.Second
	maxBackoff      = 30 * time.Minute
	pushBatchSize   = 100
)

// State is the coordinator's per-target cycle phase.
type State string

const (
	StateIdle        State = "idle"
	StatePulling     State = "pulling"
	StateReconciling State = "reconciling"
	StatePushing     State = "pushing"
	StateFailed      State = "failed"
)

// TargetStatus is a snapshot of one target's sync state for the API.
type TargetStatus struct {
	Target       string     `json:"target"`
	State        State      `json:"state"`
	Suspended    bool       `json:"suspended"`
	AuthRequired bool       `json:"auth_required"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	FailStreak   int        `json:"fail_streak"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
}

// targetState is the coordinator's mutable bookkeeping for one target.
type targetState struct {
	target Target

	lock  sync.Mutex // Held for the duration of a cycle
	rerun bool       // A trigger arrived mid-cycle; run once more after

	status TargetStatus
}

// Coordinator drives the sync cycle for every registered target. Each cycle
// walks Idle, Pulling, Reconciling, Pushing and back to Idle; any error
// drops the target into Failed with exponential backoff. Cycles for the same
// target never overlap, and triggers arriving mid-cycle coalesce into a
// single follow-up run.
type Coordinator struct {
	db      *db.DB
	journal *journal.Journal

	interval time.Duration

	mu      sync.RWMutex
	targets map[string]*targetState
	order   []string

	onApplied   func()                           // Invoked after a cycle that changed local state
	onFailure   func(target string, cause error) // Invoked after each failed cycle
	onRecovered func(target string)              // Invoked when a failing target succeeds again

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a coordinator. Targets register before Start.
func New(database *db.DB, jrnl *journal.Journal, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = defaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		db:       database,
		journal:  jrnl,
		interval: interval,
		targets:  make(map[string]*targetState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register adds a sync target. Must be called before Start.
func (c *Coordinator) Register(t Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[t.Name()] = &targetState{
		target: t,
		status: TargetStatus{Target: t.Name(), State: StateIdle},
	}
	c.order = append(c.order, t.Name())
	sort.Strings(c.order)
}

// SetOnApplied installs a hook run after any cycle that applied or pushed
// changes. The notification planner uses it to re-plan reminders.
func (c *Coordinator) SetOnApplied(fn func()) {
	c.onApplied = fn
}

// SetOnFailure installs a hook run after every failed cycle, and
// SetOnRecovered one for the first success after a failure streak. The
// alert notifier hangs off these.
func (c *Coordinator) SetOnFailure(fn func(target string, cause error)) {
	c.onFailure = fn
}

func (c *Coordinator) SetOnRecovered(fn func(target string)) {
	c.onRecovered = fn
}

// Start launches the periodic sync loop and runs an initial cycle for every
// target.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.TriggerAll()

	c.wg.Add(1)
	go c.loop()

	log.Printf("Sync coordinator started with %d targets, interval %v", len(c.targets), c.interval)
}

// Stop shuts the coordinator down and waits for in-flight cycles.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	log.Println("Sync coordinator stopped")
}

// loop fires due targets on the configured interval.
func (c *Coordinator) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, name := range c.targetNames() {
				if c.due(name, now) {
					c.Trigger(name)
				}
			}
		}
	}
}

// due reports whether the periodic loop should run a target now. Suspended
// targets and targets waiting out a backoff window are skipped; targets
// needing re-authentication never auto-retry.
func (c *Coordinator) due(name string, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ts, ok := c.targets[name]
	if !ok {
		return false
	}
	if ts.status.Suspended || ts.status.AuthRequired {
		return false
	}
	if ts.status.NextRetryAt != nil && now.Before(*ts.status.NextRetryAt) {
		return false
	}
	return true
}

// Trigger requests a sync cycle for one target. A trigger during a running
// cycle queues exactly one follow-up instead of a concurrent run; triggers
// on a stopped coordinator are dropped. The wg.Add runs under the lock so a
// concurrent Stop either sees the cycle or prevents it.
func (c *Coordinator) Trigger(name string) {
	c.mu.RLock()
	ts, ok := c.targets[name]
	if !ok || !c.started {
		c.mu.RUnlock()
		return
	}
	c.wg.Add(1)
	c.mu.RUnlock()

	go func() {
		defer c.wg.Done()
		c.runCycles(ts)
	}()
}

// TriggerAll requests a cycle for every registered target.
func (c *Coordinator) TriggerAll() {
	for _, name := range c.targetNames() {
		c.Trigger(name)
	}
}

// Suspend pauses or resumes periodic syncing for a target. A resume clears
// any failure backoff and triggers a cycle.
func (c *Coordinator) Suspend(name string, suspended bool) error {
	c.mu.Lock()
	ts, ok := c.targets[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unknown sync target %q", name)
	}
	ts.status.Suspended = suspended
	if !suspended {
		ts.status.FailStreak = 0
		ts.status.NextRetryAt = nil
		ts.status.AuthRequired = false
	}
	c.mu.Unlock()

	if !suspended {
		c.Trigger(name)
	}
	return nil
}

// Status returns a snapshot of every target's state, sorted by name.
func (c *Coordinator) Status() []TargetStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TargetStatus, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.targets[name].status)
	}
	return out
}

func (c *Coordinator) targetNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// runCycles runs one cycle, then drains the coalesced rerun flag. The
// per-target lock guarantees cycles never overlap; a trigger that loses the
// lock race just flags the holder to go around again.
func (c *Coordinator) runCycles(ts *targetState) {
	if !ts.lock.TryLock() {
		c.mu.Lock()
		ts.rerun = true
		c.mu.Unlock()
		return
	}
	defer ts.lock.Unlock()

	for {
		c.runCycle(ts)

		c.mu.Lock()
		again := ts.rerun
		ts.rerun = false
		c.mu.Unlock()
		if !again || c.ctx.Err() != nil {
			return
		}
	}
}

// cycleStats counts what one cycle did.
type cycleStats struct {
	pulled    int
	applied   int
	conflicts int
	pushed    int
}

// runCycle executes one full pull/reconcile/push pass for a target.
func (c *Coordinator) runCycle(ts *targetState) {
	name := ts.target.Name()
	started := time.Now()

	ctx, cancel := context.WithTimeout(c.ctx, syncTimeout)
	defer cancel()

	stats := &cycleStats{}

	c.setState(ts, StatePulling)
	cursor, err := c.db.GetCursor(ctx, name)
	if err != nil {
		c.failCycle(ts, started, stats, fmt.Errorf("load cursor: %w", err))
		return
	}

	pull, err := ts.target.Pull(ctx, cursor.Cursor)
	if err != nil {
		c.failCycle(ts, started, stats, fmt.Errorf("pull: %w", err))
		return
	}
	stats.pulled = len(pull.Records)

	c.setState(ts, StateReconciling)
	if err := c.reconcile(ctx, name, pull, stats); err != nil {
		c.failCycle(ts, started, stats, fmt.Errorf("reconcile: %w", err))
		return
	}

	if committer, ok := ts.target.(Committer); ok {
		if err := committer.Commit(ctx); err != nil {
			c.failCycle(ts, started, stats, fmt.Errorf("commit pull state: %w", err))
			return
		}
	}

	c.setState(ts, StatePushing)
	if err := c.push(ctx, ts.target, stats); err != nil {
		c.failCycle(ts, started, stats, fmt.Errorf("push: %w", err))
		return
	}

	c.finishCycle(ts, started, stats)

	if c.onApplied != nil && (stats.applied > 0 || stats.conflicts > 0) {
		c.onApplied()
	}
}

// reconcile applies one pull batch and advances the cursor inside a single
// transaction. The cursor write is the commit point: a crash anywhere in the
// batch leaves the old cursor in place and the whole pull is retried, which
// is safe because applying a record twice is idempotent.
func (c *Coordinator) reconcile(ctx context.Context, name string, pull *PullResult, stats *cycleStats) error {
	settings, err := c.db.GetSettings(ctx)
	if err != nil {
		return err
	}
	policy := resolve.Policy(settings.ConflictPolicy)

	return c.db.WithTx(ctx, func(tx *db.Tx) error {
		for _, incoming := range pull.Records {
			if err := c.reconcileRecord(ctx, tx, policy, incoming, stats); err != nil {
				return err
			}
		}
		if pull.Cursor != "" {
			if err := tx.SetCursor(ctx, name, pull.Cursor); err != nil {
				return err
			}
		}
		return nil
	})
}

// reconcileRecord merges one pulled record into the store.
func (c *Coordinator) reconcileRecord(ctx context.Context, tx *db.Tx, policy resolve.Policy, incoming *db.SyncableRecord, stats *cycleStats) error {
	local, err := tx.GetRecord(ctx, incoming.ID)
	if errors.Is(err, db.ErrNotFound) {
		if incoming.Deleted {
			// Tombstone for a record we never had
			return nil
		}
		stats.applied++
		return tx.ApplyRecord(ctx, incoming)
	}
	if err != nil {
		return err
	}

	dirty, err := tx.HasPendingChanges(ctx, incoming.ID)
	if err != nil {
		return err
	}

	if !resolve.NeedsResolution(local, incoming, dirty) {
		// Clean local copy: fast-forward, or drop a stale pull
		if incoming.Version < local.Version {
			return nil
		}
		stats.applied++
		return tx.ApplyRecord(ctx, incoming)
	}

	res, err := resolve.Resolve(policy, local, incoming)
	if err != nil {
		return err
	}
	if err := tx.ApplyRecord(ctx, res.Record); err != nil {
		return err
	}

	// Journal the resolved version so every target converges on it
	op := db.OpUpdate
	if res.Deletion {
		op = db.OpDelete
	}
	if _, err := c.journal.Record(ctx, tx, op, res.Record); err != nil {
		return err
	}

	stats.conflicts++
	stats.applied++
	log.Printf("Resolved conflict on record %s: %s side won (policy %s)", incoming.ID, res.Winner, policy)
	return nil
}

// push replays due journal entries against one target. Entries are removed
// only once every registered target accepted them; tombstones additionally
// collect per-target acks and purge the record when the last target
// confirms.
func (c *Coordinator) push(ctx context.Context, target Target, stats *cycleStats) error {
	names := c.targetNames()

	due, err := c.journal.Due(ctx, c.db, time.Now(), pushBatchSize)
	if err != nil {
		return err
	}

	for _, entry := range due {
		if entry.PushedTo(target.Name()) {
			continue
		}

		rec, err := journal.Snapshot(entry)
		if err != nil {
			// A snapshot that cannot decode will never push; park it
			if ferr := c.journal.Fail(ctx, c.db, entry, err); ferr != nil {
				return ferr
			}
			continue
		}

		if err := target.Push(ctx, entry.Op, rec); err != nil {
			if ferr := c.journal.Fail(ctx, c.db, entry, err); ferr != nil {
				return ferr
			}
			return err
		}

		pushed, err := c.db.MarkChangePushed(ctx, entry.ID, target.Name())
		if err != nil {
			return err
		}
		stats.pushed++

		if entry.Op == db.OpDelete {
			if err := c.ackTombstone(ctx, entry.RecordID, target.Name(), names); err != nil {
				return err
			}
		}

		if containsAll(pushed, names) {
			if err := c.journal.Ack(ctx, c.db, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// ackTombstone records a delete confirmation and purges the record once
// every target has acknowledged it.
func (c *Coordinator) ackTombstone(ctx context.Context, recordID, target string, all []string) error {
	acks, err := c.db.AddDeleteAck(ctx, recordID, target)
	if errors.Is(err, db.ErrNotFound) {
		return nil // Already purged
	}
	if err != nil {
		return err
	}
	if !containsAll(acks, all) {
		return nil
	}

	log.Printf("All targets acknowledged deletion of record %s, purging", recordID)
	if err := c.db.PurgeRecord(ctx, recordID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	if err := c.db.DeleteCalendarLink(ctx, recordID); err != nil {
		return err
	}
	return nil
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func (c *Coordinator) setState(ts *targetState, state State) {
	c.mu.Lock()
	ts.status.State = state
	c.mu.Unlock()
}

// finishCycle records a successful cycle and clears any failure history.
func (c *Coordinator) finishCycle(ts *targetState, started time.Time, stats *cycleStats) {
	now := time.Now()
	duration := now.Sub(started)

	c.mu.Lock()
	wasFailing := ts.status.FailStreak > 0
	ts.status.State = StateIdle
	ts.status.LastSyncAt = &now
	ts.status.LastStatus = string(db.SyncStatusSuccess)
	ts.status.LastError = ""
	ts.status.FailStreak = 0
	ts.status.NextRetryAt = nil
	ts.status.AuthRequired = false
	c.mu.Unlock()

	if wasFailing && c.onRecovered != nil {
		c.onRecovered(ts.target.Name())
	}

	c.writeLog(ts.target.Name(), db.SyncStatusSuccess, "", stats, duration)
	log.Printf("Sync cycle for %s: pulled %d, applied %d, conflicts %d, pushed %d in %v",
		ts.target.Name(), stats.pulled, stats.applied, stats.conflicts, stats.pushed, duration)
}

// failCycle records a failed cycle and arms the retry backoff. Auth
// failures park the target until the user re-authenticates or triggers a
// manual sync.
func (c *Coordinator) failCycle(ts *targetState, started time.Time, stats *cycleStats, cause error) {
	now := time.Now()
	duration := now.Sub(started)

	c.mu.Lock()
	ts.status.State = StateFailed
	ts.status.LastStatus = string(db.SyncStatusError)
	ts.status.LastError = cause.Error()
	ts.status.FailStreak++
	if errors.Is(cause, ErrUnauthorized) {
		ts.status.AuthRequired = true
		ts.status.NextRetryAt = nil
	} else {
		retry := now.Add(backoff(ts.status.FailStreak))
		ts.status.NextRetryAt = &retry
	}
	streak := ts.status.FailStreak
	c.mu.Unlock()

	if c.onFailure != nil {
		c.onFailure(ts.target.Name(), cause)
	}

	c.writeLog(ts.target.Name(), db.SyncStatusError, cause.Error(), stats, duration)
	log.Printf("Sync cycle for %s failed (streak %d): %v", ts.target.Name(), streak, cause)
}

func (c *Coordinator) writeLog(target string, status db.SyncStatus, message string, stats *cycleStats, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := &db.SyncLog{
		Target:    target,
		Status:    status,
		Message:   message,
		Pulled:    stats.pulled,
		Applied:   stats.applied,
		Conflicts: stats.conflicts,
		Pushed:    stats.pushed,
		Duration:  duration,
	}
	if err := c.db.CreateSyncLog(ctx, entry); err != nil {
		log.Printf("Failed to write sync log for %s: %v", target, err)
	}
}

// backoff returns the wait before retrying after the given failure streak.
func backoff(streak int) time.Duration {
	d := baseBackoff
	for i := 1; i < streak; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
