package fileaudit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// committedSession returns a running session logging writes below /w
func committedSession(t *testing.T) *Session {
	t.Helper()
	opts := testOptions(t)
	opts.Write = ChannelConfig{Enabled: true, Include: []string{"/w"}}
	s, err := NewSession(opts)
	require.NoError(t, err)
	require.NoError(t, s.Commit())
	return s
}

// testRegistry returns a registry treating every fork as in scope
func testRegistry() *Registry {
	r := NewRegistry()
	r.sameScope = func(parent, child ProcessID) bool { return true }
	return r
}

func TestRegistryInsertLookupRemove(t *testing.T) {
	r := testRegistry()
	s := committedSession(t)

	require.NoError(t, r.Insert(10, s, false))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, s.Members())

	found, ok := r.Lookup(10)
	require.True(t, ok)
	assert.Same(t, s, found)
	found.Release()

	_, ok = r.Lookup(11)
	assert.False(t, ok)

	assert.ErrorIs(t, r.Insert(10, s, false), ErrAlreadyObserved)
	assert.Equal(t, 1, s.Members())
	assert.Equal(t, StateCommitted, s.State(), "failed insert does not stop the session")

	assert.True(t, r.Remove(10))
	assert.False(t, r.Remove(10))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, s.Members())
	assert.Equal(t, StateDraining, s.State(), "last member starts the drain")

	r2 := finish(t, s)
	assert.Equal(t, StatusOK, r2.Status)

	// A finalized session can no longer be referenced
	assert.ErrorIs(t, r.Insert(12, s, false), ErrSessionClosed)
	r.entries.Store(ProcessID(13), s)
	_, ok = r.Lookup(13)
	assert.False(t, ok)
	r.entries.Delete(ProcessID(13))
}

func TestRegistryInsertObservedKeepsIdleSession(t *testing.T) {
	r := testRegistry()
	owner := committedSession(t)
	idle := committedSession(t)

	require.NoError(t, r.Insert(7, owner, false))
	assert.ErrorIs(t, r.Insert(7, idle, false), ErrAlreadyObserved)
	assert.Equal(t, 0, idle.Members())
	assert.Equal(t, StateCommitted, idle.State(), "a session without members is not drained by a refused insert")

	// Losing the store race reverts the member without draining an idle session
	idle.undoMember(idle.addMember())
	assert.Equal(t, StateCommitted, idle.State())

	// but drains one whose other members went away meanwhile
	idle.addMember()
	prev := idle.addMember()
	idle.members.Add(-1)
	idle.undoMember(prev)
	assert.Equal(t, StateDraining, idle.State())

	assert.True(t, r.Remove(7))
	assert.Equal(t, StatusOK, finish(t, owner).Status)
	assert.Equal(t, StatusOK, finish(t, idle).Status)
}

func TestRegistryReplace(t *testing.T) {
	r := testRegistry()
	first := committedSession(t)
	second := committedSession(t)

	require.NoError(t, r.Insert(5, first, false))
	require.NoError(t, r.Insert(5, second, true))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 0, first.Members())
	assert.Equal(t, StateDraining, first.State())
	assert.Equal(t, 1, second.Members())

	found, ok := r.Lookup(5)
	require.True(t, ok)
	assert.Same(t, second, found)
	found.Release()

	// Replacing with the same session keeps it alive
	require.NoError(t, r.Insert(5, second, true))
	assert.Equal(t, 1, second.Members())
	assert.Equal(t, StateCommitted, second.State())

	require.True(t, r.Remove(5))
	finish(t, first)
	finish(t, second)
}

func TestRegistryForkAndExit(t *testing.T) {
	r := NewRegistry()
	r.sameScope = func(parent, child ProcessID) bool { return child != 99 }
	s := committedSession(t)
	s.SetExitTarget(10)

	require.NoError(t, r.Insert(10, s, false))
	require.NoError(t, r.OnFork(10, 11))
	require.NoError(t, r.OnFork(11, 12))
	require.NoError(t, r.OnFork(10, 99), "out of scope children are ignored")
	require.NoError(t, r.OnFork(50, 51), "unobserved parents are ignored")
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, s.Members())

	_, ok := r.Lookup(99)
	assert.False(t, ok)

	assert.True(t, r.OnExit(10, 7))
	assert.False(t, r.OnExit(10, 8))
	assert.True(t, r.OnExit(12, 1))
	assert.Equal(t, StateCommitted, s.State(), "a member is still running")
	assert.True(t, r.OnExit(11, 0))
	assert.Equal(t, StateDraining, s.State())

	result := finish(t, s)
	assert.Equal(t, int32(7), result.ExitCode)
}

func TestRegistryForkOfFailedSession(t *testing.T) {
	r := testRegistry()
	s := committedSession(t)
	require.NoError(t, r.Insert(1, s, false))

	s.fail(errors.New("disk gone"))
	require.NoError(t, r.OnFork(1, 2))
	assert.Equal(t, 1, r.Len())

	r.Remove(1)
	result := finish(t, s)
	assert.Equal(t, StatusWriteFailure, result.Status)
}

func TestRegistryConcurrentLookups(t *testing.T) {
	r := testRegistry()
	s := committedSession(t)
	for pid := ProcessID(1); pid <= 64; pid++ {
		require.NoError(t, r.Insert(pid, s, false))
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if found, ok := r.Lookup(ProcessID(i%64 + 1)); ok {
					found.Release()
				}
			}
		}()
	}
	for pid := ProcessID(1); pid <= 64; pid++ {
		r.Remove(pid)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, StateDraining, s.State())
	finish(t, s)
}

func TestReaperSweep(t *testing.T) {
	r := testRegistry()
	s := committedSession(t)
	s.SetExitTarget(20)
	require.NoError(t, r.Insert(20, s, false))
	require.NoError(t, r.Insert(21, s, false))
	require.NoError(t, r.Insert(22, s, false))

	dead := map[int]bool{21: true, 22: true}
	rp := NewReaper(r, time.Millisecond)
	rp.running = func(pid int) bool { return !dead[pid] }

	assert.Equal(t, 2, rp.Sweep())
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 0, rp.Sweep())

	dead[20] = true
	assert.Equal(t, 1, rp.Sweep())
	assert.Equal(t, 0, r.Len())

	result := finish(t, s)
	assert.Equal(t, ExitCodeUnavailable, result.ExitCode, "the reaper does not know exit codes")
}

func TestReaperRun(t *testing.T) {
	r := testRegistry()
	s := committedSession(t)
	require.NoError(t, r.Insert(30, s, false))

	rp := NewReaper(r, time.Millisecond)
	rp.running = func(int) bool { return false }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rp.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.Len() == 0 }, 5*time.Second, time.Millisecond)
	cancel()
	<-done

	finish(t, s)
}
