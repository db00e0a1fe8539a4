package fileaudit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOrphans returns an adopter for observer pid 1000 whose children are read from *children
// and whose exited children are the keys of the returned map
func testOrphans(r *Registry, children *[]ProcessID) (*Orphans, map[ProcessID]int32) {
	exited := make(map[ProcessID]int32)
	o := NewOrphans(r)
	o.self = 1000
	o.children = func(ProcessID) ([]ProcessID, error) {
		return *children, nil
	}
	o.reap = func(pid ProcessID) (int32, bool) {
		status, ok := exited[pid]
		return status, ok
	}
	return o, exited
}

func TestOrphansClaimAndReap(t *testing.T) {
	r := testRegistry()
	s := committedSession(t)
	require.NoError(t, r.Insert(10, s, false))

	children := []ProcessID{40, 41}
	o, exited := testOrphans(r, &children)
	assert.Equal(t, 0, o.Scan(), "nothing is adopted before a claim")
	assert.Equal(t, 1, r.Len())

	assert.Equal(t, 2, o.Claim(s))
	assert.Equal(t, 3, s.Members())

	// The command itself is waited for by the runner
	exited[10] = 0
	_, ok := o.Reap(10)
	assert.False(t, ok)
	assert.True(t, r.OnExit(10, 0))
	assert.Equal(t, StateCommitted, s.State(), "orphans keep the session open")

	rp := NewReaper(r, time.Hour)
	rp.orphans = o
	rp.running = func(int) bool { return true }

	// 40 exits while 42 is reparented to the observer
	exited[40] = 3
	children = []ProcessID{40, 41, 42}
	assert.Equal(t, 1, rp.Sweep())
	assert.Equal(t, 2, r.Len())

	children = []ProcessID{41, 42}
	exited[41] = 0
	exited[42] = 137
	assert.Equal(t, 2, rp.Sweep())
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, StateDraining, s.State())

	finish(t, s)
}

func TestOrphansSkipObserved(t *testing.T) {
	r := testRegistry()
	s := committedSession(t)
	other := committedSession(t)
	require.NoError(t, r.Insert(10, s, false))
	require.NoError(t, r.Insert(50, other, false))

	children := []ProcessID{50, 51}
	o, _ := testOrphans(r, &children)
	assert.Equal(t, 1, o.Claim(s))
	assert.Equal(t, 2, s.Members())
	assert.Equal(t, 1, other.Members(), "an observed child keeps its session")

	for _, pid := range []ProcessID{10, 50, 51} {
		assert.True(t, r.Remove(pid))
	}
	finish(t, s)
	finish(t, other)
}
