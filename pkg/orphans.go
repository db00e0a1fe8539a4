package fileaudit

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
)

// Orphans attributes processes reparented to the observer to the session whose tree they
// left. The kernel only reparents them here once the observer is a child subreaper; they are
// then the observer's children and are reaped by it when they exit.
//
// There is one owning session at a time, so a process observing several commands at once
// attributes all orphans to the last one claimed.
type Orphans struct {
	registry *Registry
	self     ProcessID
	owner    atomic.Pointer[Session]
	pids     sync.Map // ProcessID -> struct{}, adopted and not yet reaped

	children func(ProcessID) ([]ProcessID, error)
	reap     func(ProcessID) (int32, bool)
}

// NewOrphans creates an orphan adopter for the current process
func NewOrphans(registry *Registry) *Orphans {
	return &Orphans{
		registry: registry,
		self:     ProcessID(os.Getpid()),
		children: childPIDs,
		reap:     reapChild,
	}
}

// Claim makes s the owner of future orphans and adopts those already reparented. It returns
// how many were adopted. Children of the observer that are already observed are left alone,
// so a command may be claimed for while it still runs.
func (o *Orphans) Claim(s *Session) int {
	o.owner.Store(s)
	return o.Scan()
}

// Adopt registers pid with the owning session. It reports whether pid is observed afterwards.
func (o *Orphans) Adopt(pid ProcessID) bool {
	s := o.owner.Load()
	if s == nil {
		return false
	}
	if err := o.registry.Insert(pid, s, false); err != nil {
		return errors.Is(err, ErrAlreadyObserved)
	}
	o.pids.Store(pid, struct{}{})
	debugLog("registry").Uint32("pid", uint32(pid)).Str("session", s.ID()).Msg("orphan adopted")
	return true
}

// Scan adopts every child of the observer not yet known and returns how many it adopted
func (o *Orphans) Scan() int {
	if o.owner.Load() == nil {
		return 0
	}
	pids, err := o.children(o.self)
	if err != nil {
		debugLog("registry").Err(err).Msg("orphan scan failed")
		return 0
	}

	adopted := 0
	for _, pid := range pids {
		if _, known := o.pids.Load(pid); known {
			continue
		}
		if _, observed := o.registry.entries.Load(pid); observed {
			continue
		}
		if o.Adopt(pid) {
			adopted++
		}
	}
	return adopted
}

// Reap collects the exit status of an adopted orphan that has exited. Other processes are
// left to whoever waits for them.
func (o *Orphans) Reap(pid ProcessID) (int32, bool) {
	if _, ok := o.pids.Load(pid); !ok {
		return 0, false
	}
	status, exited := o.reap(pid)
	if exited {
		o.pids.Delete(pid)
	}
	return status, exited
}
