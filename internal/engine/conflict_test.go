package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDetectConflict_BothSidesChanged(t *testing.T) {
	lastSynced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := ChangeState{UpdatedAt: lastSynced.Add(5 * time.Minute)}
	remote := ChangeState{UpdatedAt: lastSynced.Add(3 * time.Minute)}

	assert.True(t, DetectConflict(local, remote, lastSynced))
}

func TestDetectConflict_OnlyRemoteChanged(t *testing.T) {
	lastSynced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := ChangeState{UpdatedAt: lastSynced.Add(-time.Hour)}
	remote := ChangeState{UpdatedAt: lastSynced.Add(time.Minute)}

	assert.False(t, DetectConflict(local, remote, lastSynced))
}

func TestDetectConflict_OnlyLocalChanged(t *testing.T) {
	lastSynced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := ChangeState{UpdatedAt: lastSynced.Add(time.Minute)}
	remote := ChangeState{UpdatedAt: lastSynced.Add(-time.Hour)}

	assert.False(t, DetectConflict(local, remote, lastSynced))
}

func TestDetectConflict_NeverSynced(t *testing.T) {
	// A mapping with no sync point has no local history to lose, so any
	// remote change applies cleanly.
	local := ChangeState{UpdatedAt: time.Now()}
	remote := ChangeState{UpdatedAt: time.Now()}

	assert.False(t, DetectConflict(local, remote, time.Time{}))
}

func TestResolve_RemoteWins(t *testing.T) {
	winner, err := Resolve(PolicyRemoteWins, ChangeState{}, ChangeState{})
	assert.NoError(t, err)
	assert.Equal(t, WinnerRemote, winner)
}

func TestResolve_LocalWins(t *testing.T) {
	winner, err := Resolve(PolicyLocalWins, ChangeState{}, ChangeState{})
	assert.NoError(t, err)
	assert.Equal(t, WinnerLocal, winner)
}

func TestResolve_NewestWins(t *testing.T) {
	now := time.Now()

	winner, err := Resolve(PolicyNewestWins,
		ChangeState{UpdatedAt: now},
		ChangeState{UpdatedAt: now.Add(time.Second)})
	assert.NoError(t, err)
	assert.Equal(t, WinnerRemote, winner)

	winner, err = Resolve(PolicyNewestWins,
		ChangeState{UpdatedAt: now.Add(time.Second)},
		ChangeState{UpdatedAt: now})
	assert.NoError(t, err)
	assert.Equal(t, WinnerLocal, winner)
}

func TestResolve_NewestWinsTieFavorsLocal(t *testing.T) {
	now := time.Now()
	winner, err := Resolve(PolicyNewestWins,
		ChangeState{UpdatedAt: now},
		ChangeState{UpdatedAt: now})
	assert.NoError(t, err)
	assert.Equal(t, WinnerLocal, winner)
}

func TestResolve_Manual(t *testing.T) {
	winner, err := Resolve(PolicyManual, ChangeState{}, ChangeState{})
	assert.NoError(t, err)
	assert.Equal(t, WinnerNone, winner)
}

func TestResolve_UnknownPolicy(t *testing.T) {
	_, err := Resolve(ConflictPolicy("coin_flip"), ChangeState{}, ChangeState{})
	assert.Error(t, err)
}

func TestValidPolicy(t *testing.T) {
	assert.True(t, ValidPolicy(PolicyRemoteWins))
	assert.True(t, ValidPolicy(PolicyLocalWins))
	assert.True(t, ValidPolicy(PolicyNewestWins))
	assert.True(t, ValidPolicy(PolicyManual))
	assert.False(t, ValidPolicy(ConflictPolicy("")))
	assert.False(t, ValidPolicy(ConflictPolicy("coin_flip")))
}
