package fileaudit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Registry maps observed processes to their session. Lookups never lock: an entry is loaded
// from a sync.Map and the session reference is taken with a conditional increment that fails
// once the session's count reached zero. A removed entry stays reachable by lookups already in
// flight until they drop it; the garbage collector reclaims it afterwards.
//
// Every entry owns one session reference and counts as one session member. Removing the last
// member of a session starts its drain.
type Registry struct {
	entries sync.Map // ProcessID -> *Session
	count   atomic.Int64

	// sameScope reports whether child belongs to the observation scope of parent
	sameScope func(parent, child ProcessID) bool
}

// NewRegistry creates an empty registry whose fork scope is the pid namespace
func NewRegistry() *Registry {
	return &Registry{sameScope: samePIDNamespace}
}

// Lookup returns the session observing pid with one reference taken. The caller must call
// Release on it.
func (r *Registry) Lookup(pid ProcessID) (*Session, bool) {
	v, ok := r.entries.Load(pid)
	if !ok {
		return nil, false
	}
	s := v.(*Session)
	if !s.tryAcquire() {
		return nil, false
	}
	return s, true
}

// Insert maps pid to s. If pid is already observed the old entry is replaced when replace is
// set, otherwise ErrAlreadyObserved is returned.
func (r *Registry) Insert(pid ProcessID, s *Session, replace bool) error {
	if !replace {
		if _, ok := r.entries.Load(pid); ok {
			return ErrAlreadyObserved
		}
	}
	if !s.tryAcquire() {
		return ErrSessionClosed
	}
	prev := s.addMember()

	if replace {
		old, loaded := r.entries.Swap(pid, s)
		if loaded {
			oldSession := old.(*Session)
			oldSession.removeMember()
			oldSession.Release()
		} else {
			r.added()
		}
		debugLog("registry").Uint32("pid", uint32(pid)).Str("session", s.id).Bool("replaced", loaded).Msg("insert")
		return nil
	}

	if _, loaded := r.entries.LoadOrStore(pid, s); loaded {
		s.undoMember(prev)
		s.Release()
		return ErrAlreadyObserved
	}
	r.added()
	debugLog("registry").Uint32("pid", uint32(pid)).Str("session", s.id).Msg("insert")
	return nil
}

// Remove detaches pid and drops the entry's reference
func (r *Registry) Remove(pid ProcessID) bool {
	v, ok := r.entries.LoadAndDelete(pid)
	if !ok {
		return false
	}
	r.removed()
	s := v.(*Session)
	debugLog("registry").Uint32("pid", uint32(pid)).Str("session", s.id).Msg("remove")
	s.removeMember()
	s.Release()
	return true
}

// OnFork registers child with the session of parent if parent is observed, that session has
// not failed and child is in the same scope
func (r *Registry) OnFork(parent, child ProcessID) error {
	s, ok := r.Lookup(parent)
	if !ok {
		return nil
	}
	defer s.Release()

	if s.Failed() {
		return nil
	}
	if r.sameScope != nil && !r.sameScope(parent, child) {
		debugLog("registry").Uint32("parent", uint32(parent)).Uint32("child", uint32(child)).Msg("child outside scope")
		return nil
	}
	return r.Insert(child, s, false)
}

// OnExit removes pid after recording its exit status into the session if pid is the
// designated target. It reports whether pid was observed.
func (r *Registry) OnExit(pid ProcessID, status int32) bool {
	if v, ok := r.entries.Load(pid); ok {
		v.(*Session).recordExit(pid, status)
	}
	return r.Remove(pid)
}

// Range calls fn for every entry until fn returns false
func (r *Registry) Range(fn func(ProcessID, *Session) bool) {
	r.entries.Range(func(k, v any) bool {
		return fn(k.(ProcessID), v.(*Session))
	})
}

// Len returns the number of observed processes
func (r *Registry) Len() int {
	return int(r.count.Load())
}

func (r *Registry) added() {
	r.count.Add(1)
	observedProcesses.Inc()
}

func (r *Registry) removed() {
	r.count.Add(-1)
	observedProcesses.Dec()
}

// Reaper removes registry entries of processes that are gone. Exits of processes not
// waited for by the runner are only noticed this way. With orphans set, each sweep first
// adopts processes reparented to the observer and reaps the adopted ones that exited.
type Reaper struct {
	registry *Registry
	interval time.Duration
	running  func(pid int) bool
	orphans  *Orphans
}

// NewReaper creates a reaper sweeping every interval
func NewReaper(registry *Registry, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultReaperInterval
	}
	return &Reaper{
		registry: registry,
		interval: interval,
		running:  isProcessRunning,
	}
}

// Sweep removes every entry whose process is no longer running and returns how many it removed
func (rp *Reaper) Sweep() int {
	if rp.orphans != nil {
		rp.orphans.Scan()
	}

	gone := make(map[ProcessID]int32)
	rp.registry.Range(func(pid ProcessID, _ *Session) bool {
		if rp.orphans != nil {
			if status, exited := rp.orphans.Reap(pid); exited {
				gone[pid] = status
				return true
			}
		}
		if !rp.running(int(pid)) {
			gone[pid] = ExitCodeUnavailable
		}
		return true
	})

	removed := 0
	for pid, status := range gone {
		if rp.registry.OnExit(pid, status) {
			removed++
		}
	}
	if removed > 0 {
		debugLog("registry").Int("removed", removed).Msg("reaper sweep")
	}
	return removed
}

// Run sweeps until ctx is done
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rp.Sweep()
		}
	}
}
