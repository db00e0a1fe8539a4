package fileaudit

import (
	"math/bits"
	"sync/atomic"
)

// queueSlot is one ring buffer cell. seq == position means free for the producer claiming
// that position; seq == position+1 means published for the consumer.
type queueSlot struct {
	seq atomic.Uint64
	ev  RawEvent
}

// EventQueue is a bounded multi-producer, single-consumer ring buffer of raw events.
// Producers never block: when the ring is full the event is refused and counted as lost.
// Events are consumed in the order their positions were claimed.
type EventQueue struct {
	slots []queueSlot
	mask  uint64

	_    [56]byte
	head atomic.Uint64 // next position to claim by a producer
	_    [56]byte
	tail atomic.Uint64 // next position to consume, written by the consumer only
	_    [56]byte

	enqueued atomic.Uint64
	lost     atomic.Uint64
}

// NewEventQueue creates a queue holding at least capacity events, rounded up to a power of two
func NewEventQueue(capacity int) *EventQueue {
	if capacity < 2 {
		capacity = 2
	}
	size := uint64(1) << bits.Len64(uint64(capacity-1))

	q := &EventQueue{
		slots: make([]queueSlot, size),
		mask:  size - 1,
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// Cap returns the number of events the queue can hold
func (q *EventQueue) Cap() int {
	return len(q.slots)
}

// Enqueue claims a slot and publishes ev into it. It returns false if the queue is full; the
// caller keeps ownership of ev in that case.
func (q *EventQueue) Enqueue(ev RawEvent) bool {
	pos := q.head.Load()
	for {
		slot := &q.slots[pos&q.mask]
		seq := slot.seq.Load()
		switch diff := int64(seq - pos); {
		case diff == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				slot.ev = ev
				slot.seq.Store(pos + 1)
				q.enqueued.Add(1)
				return true
			}
			pos = q.head.Load()
		case diff < 0:
			q.lost.Add(1)
			return false
		default:
			pos = q.head.Load()
		}
	}
}

// Dequeue removes the oldest published event. Only the consumer may call it.
func (q *EventQueue) Dequeue() (RawEvent, bool) {
	pos := q.tail.Load()
	slot := &q.slots[pos&q.mask]
	if slot.seq.Load() != pos+1 {
		return RawEvent{}, false
	}
	ev := slot.ev
	slot.ev = RawEvent{}
	slot.seq.Store(pos + q.mask + 1)
	q.tail.Store(pos + 1)
	return ev, true
}

// Ready reports whether the next event is published
func (q *EventQueue) Ready() bool {
	pos := q.tail.Load()
	return q.slots[pos&q.mask].seq.Load() == pos+1
}

// Len returns the number of claimed but not yet consumed positions
func (q *EventQueue) Len() int {
	return int(q.head.Load() - q.tail.Load())
}

// Enqueued returns the number of accepted events
func (q *EventQueue) Enqueued() uint64 {
	return q.enqueued.Load()
}

// Lost returns the number of refused events
func (q *EventQueue) Lost() uint64 {
	return q.lost.Load()
}
