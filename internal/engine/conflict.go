package engine

import (
	"fmt"
	"time"
)

// ConflictPolicy selects how diverged local and remote state is reconciled
type ConflictPolicy string

const (
	PolicyRemoteWins ConflictPolicy = "remote_wins"
	PolicyLocalWins  ConflictPolicy = "local_wins"
	PolicyNewestWins ConflictPolicy = "newest_wins"
	PolicyManual     ConflictPolicy = "manual"
)

// Winner identifies which side's payload prevails
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	// WinnerNone means no automatic winner; the conflict is queued for
	// human review and nothing is applied.
	WinnerNone Winner = ""
)

// ChangeState captures one side's view of an entity at detection time
type ChangeState struct {
	Payload   map[string]any
	Version   int64
	UpdatedAt time.Time
}

// Outcome is the result of comparing both sides against the last sync point
type Outcome struct {
	Conflict bool
	Winner   Winner
	Policy   ConflictPolicy
}

// ValidPolicy reports whether p is a known conflict policy
func ValidPolicy(p ConflictPolicy) bool {
	switch p {
	case PolicyRemoteWins, PolicyLocalWins, PolicyNewestWins, PolicyManual:
		return true
	}
	return false
}

// DetectConflict decides whether both sides changed since the last sync.
// lastSyncedAt is the zero time for never-synced mappings, in which case any
// remote change applies without conflict (there is no local history to lose).
func DetectConflict(local, remote ChangeState, lastSyncedAt time.Time) bool {
	if lastSyncedAt.IsZero() {
		return false
	}
	return local.UpdatedAt.After(lastSyncedAt) && remote.UpdatedAt.After(lastSyncedAt)
}

// Resolve applies the tenant's policy to a detected conflict. The newest_wins
// tie break favors local so the result is deterministic. Under manual policy
// the returned winner is WinnerNone and the caller must park the entity in
// conflict state rather than apply either side.
func Resolve(policy ConflictPolicy, local, remote ChangeState) (Winner, error) {
	switch policy {
	case PolicyRemoteWins:
		return WinnerRemote, nil
	case PolicyLocalWins:
		return WinnerLocal, nil
	case PolicyNewestWins:
		if remote.UpdatedAt.After(local.UpdatedAt) {
			return WinnerRemote, nil
		}
		return WinnerLocal, nil
	case PolicyManual:
		return WinnerNone, nil
	default:
		return WinnerNone, fmt.Errorf("unknown conflict policy: %q", policy)
	}
}
