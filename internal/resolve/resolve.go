// Package resolve decides which version of a record survives when the local
// copy and a copy pulled from a sync target have diverged. Resolution is a
// pure function of the two inputs and the configured policy, so the same
// conflict always resolves the same way on every device.
package resolve

import (
	"errors"
	"fmt"
	"time"

	"github.com/macjediwizard/daysync/internal/db"
)

var ErrUnknownPolicy = errors.New("unknown conflict policy")

// Policy selects the conflict resolution strategy.
type Policy string

const (
	// PolicyNewerWins keeps the version with the later modification time.
	PolicyNewerWins Policy = "newer_wins"
	// PolicyLocalWins always keeps this device's version.
	PolicyLocalWins Policy = "local_wins"
	// PolicyRemoteWins always keeps the pulled version.
	PolicyRemoteWins Policy = "remote_wins"
)

// ValidPolicies contains all valid policy values.
var ValidPolicies = map[Policy]bool{
	PolicyNewerWins:  true,
	PolicyLocalWins:  true,
	PolicyRemoteWins: true,
}

// IsValid returns true if the policy is a known valid value.
func (p Policy) IsValid() bool {
	return ValidPolicies[p]
}

// Side names which input won.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Resolution is the outcome of resolving one conflicting record.
type Resolution struct {
	// Record is the surviving version, already carrying the bumped version
	// number. Storing it and pushing it everywhere converges all replicas.
	Record *db.SyncableRecord
	// Winner names the input whose content survived.
	Winner Side
	// Deletion is set when the survivor is a tombstone.
	Deletion bool
}

// Resolve merges a diverged local/remote pair. Both inputs must be non-nil;
// the caller handles one-sided creates and fast-forwards before calling.
//
// Two rules apply on top of the policy. Modification-time ties break by
// origin rank (local device, then remote backend, then external calendar),
// never by wall clock luck. And a deletion beats a concurrent edit whenever
// the tombstone's version is at least the edit's, because resurrecting a
// record the user explicitly deleted is worse than losing a field edit.
func Resolve(policy Policy, local, remote *db.SyncableRecord) (*Resolution, error) {
	if local == nil || remote == nil {
		return nil, errors.New("resolve requires both a local and a remote version")
	}
	if local.ID != remote.ID {
		return nil, fmt.Errorf("record ID mismatch: %s vs %s", local.ID, remote.ID)
	}

	var winner, loser *db.SyncableRecord
	var side Side

	switch policy {
	case PolicyLocalWins:
		winner, loser, side = local, remote, SideLocal
	case PolicyRemoteWins:
		winner, loser, side = remote, local, SideRemote
	case PolicyNewerWins:
		if newerThan(local, remote) {
			winner, loser, side = local, remote, SideLocal
		} else {
			winner, loser, side = remote, local, SideRemote
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}

	// Delete beats edit
	if loser.Deleted && !winner.Deleted && loser.Version >= winner.Version {
		winner, loser = loser, winner
		if side == SideLocal {
			side = SideRemote
		} else {
			side = SideLocal
		}
	}

	resolved := *winner
	resolved.Version = maxVersion(local.Version, remote.Version) + 1

	return &Resolution{
		Record:   &resolved,
		Winner:   side,
		Deletion: resolved.Deleted,
	}, nil
}

// newerThan reports whether a beats b under the newer-wins policy.
func newerThan(a, b *db.SyncableRecord) bool {
	if !a.ModifiedAt.Equal(b.ModifiedAt) {
		return a.ModifiedAt.After(b.ModifiedAt)
	}
	return a.Origin.Priority() > b.Origin.Priority()
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// NeedsResolution reports whether a pulled version actually conflicts with
// the stored one. A pull that is strictly newer than an untouched local copy
// is a fast-forward, not a conflict.
func NeedsResolution(local, remote *db.SyncableRecord, localDirty bool) bool {
	if local == nil || remote == nil {
		return false
	}
	if !localDirty {
		return false
	}
	return remote.Version > local.Version ||
		!remote.ModifiedAt.Equal(local.ModifiedAt)
}

// Touch stamps a record as locally modified now, bumping its version. Every
// local edit path goes through this before journaling.
func Touch(rec *db.SyncableRecord, now time.Time) {
	rec.Origin = db.OriginLocal
	rec.Version++
	rec.ModifiedAt = now.UTC()
}
