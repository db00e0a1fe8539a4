package fileaudit

import (
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"
)

// maxAncestryDepth bounds the parent walk for processes not yet in the registry
const maxAncestryDepth = 32

// Dispatcher is the producer side of the pipeline: it routes each raw event to the session
// observing the process that produced it.
//
// Forks are not reported by event sources, so a process is adopted lazily: on its first event
// its ancestry is walked until an observed process is found and the fork is applied to every
// process in between. A walk reaching the observer itself ends at an orphan, which is handed
// to orphans when set.
type Dispatcher struct {
	registry *Registry
	parent   func(ProcessID) (ProcessID, error)
	self     ProcessID
	orphans  *Orphans

	dispatched atomic.Uint64
	unobserved atomic.Uint64
	adopted    atomic.Uint64
}

// NewDispatcher creates a dispatcher over registry
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		parent:   parentPID,
		self:     ProcessID(os.Getpid()),
	}
}

// Dispatch hands ev to its session or releases it if its process is not observed
func (d *Dispatcher) Dispatch(ev RawEvent) {
	pid := ProcessID(ev.PID)

	s, ok := d.lookup(pid)
	if !ok {
		d.unobserved.Add(1)
		eventsDropped.WithLabelValues(dropUnobserved).Inc()
		ev.release()
		return
	}
	defer s.Release()

	d.dispatched.Add(1)
	if err := s.Enqueue(ev); err != nil {
		debugLog("queue").Err(err).Uint32("pid", uint32(pid)).Str("session", s.ID()).Msg("enqueue failed")
	}
}

// lookup finds the session of pid, adopting pid if an ancestor is observed
func (d *Dispatcher) lookup(pid ProcessID) (*Session, bool) {
	if pid == 0 || pid == d.self {
		return nil, false
	}
	if s, ok := d.registry.Lookup(pid); ok {
		return s, true
	}
	if d.registry.Len() == 0 {
		return nil, false
	}
	if !d.adopt(pid) {
		return nil, false
	}
	return d.registry.Lookup(pid)
}

// adopt walks up from pid to the nearest observed ancestor and registers the chain below it
func (d *Dispatcher) adopt(pid ProcessID) bool {
	chain := []ProcessID{pid}
	current := pid

	for depth := 0; depth < maxAncestryDepth; depth++ {
		ppid, err := d.parent(current)
		if err != nil {
			return false
		}

		if ppid == d.self {
			// current outlived its observed ancestors
			if d.orphans == nil || !d.orphans.Adopt(current) {
				return false
			}
			d.adopted.Add(1)
			return d.forkChain(pid, current, chain[:len(chain)-1])
		}
		if ppid <= 1 {
			return false
		}

		if s, ok := d.registry.Lookup(ppid); ok {
			s.Release()
			return d.forkChain(pid, ppid, chain)
		}

		chain = append(chain, ppid)
		current = ppid
	}
	return false
}

// forkChain applies the forks from the observed ancestor down through chain, which is ordered
// from pid upwards
func (d *Dispatcher) forkChain(pid, ancestor ProcessID, chain []ProcessID) bool {
	parent := ancestor
	for i := len(chain) - 1; i >= 0; i-- {
		err := d.registry.OnFork(parent, chain[i])
		if err != nil && !errors.Is(err, ErrAlreadyObserved) {
			debugLog("registry").Err(err).Uint32("pid", uint32(chain[i])).Msg("adopt failed")
			return false
		}
		parent = chain[i]
	}
	d.adopted.Add(uint64(len(chain)))
	debugLog("registry").Uint32("pid", uint32(pid)).Uint32("ancestor", uint32(ancestor)).Int("depth", len(chain)).Msg("adopted")
	return true
}

// Run dispatches events from src until it is exhausted or ctx is done
func (d *Dispatcher) Run(ctx context.Context, src EventSource) error {
	for {
		ev, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.Dispatch(ev)
	}
}

// Stats returns how many events were dispatched, ignored as unobserved, and how many
// processes were adopted
func (d *Dispatcher) Stats() (dispatched, unobserved, adopted uint64) {
	return d.dispatched.Load(), d.unobserved.Load(), d.adopted.Load()
}
