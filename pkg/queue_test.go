package fileaudit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqFile tags a queued event with its producer sequence number
type seqFile struct {
	fakeFile
	seq int
}

func TestEventQueueCapacityRounding(t *testing.T) {
	assert.Equal(t, 2, NewEventQueue(0).Cap())
	assert.Equal(t, 4, NewEventQueue(3).Cap())
	assert.Equal(t, 4, NewEventQueue(4).Cap())
	assert.Equal(t, 4096, NewEventQueue(4000).Cap())
}

func TestEventQueueOverflow(t *testing.T) {
	const capacity = 8
	q := NewEventQueue(capacity)

	files := make([]*fakeFile, capacity+1)
	for i := range files {
		files[i] = newFakeFile("/f", nil)
		ev := RawEvent{PID: 1, Mode: WriteOnly, File: files[i]}
		if !q.Enqueue(ev) {
			ev.release()
		}
	}

	assert.Equal(t, uint64(1), q.Lost())
	assert.Equal(t, uint64(capacity), q.Enqueued())
	assert.Equal(t, capacity, q.Len())
	assert.Equal(t, int32(1), files[capacity].closed.Load(), "refused event released once")

	for i := 0; i < capacity; i++ {
		ev, ok := q.Dequeue()
		require.True(t, ok)
		assert.Same(t, files[i], ev.File, "FIFO order")
		assert.Equal(t, int32(0), files[i].closed.Load())
		ev.release()
		assert.Equal(t, int32(1), files[i].closed.Load())
	}
	_, ok := q.Dequeue()
	assert.False(t, ok)
	assert.False(t, q.Ready())
	assert.Equal(t, 0, q.Len())

	// Slots are reusable after a full cycle
	assert.True(t, q.Enqueue(RawEvent{PID: 2, File: newFakeFile("/g", nil)}))
	assert.True(t, q.Ready())
}

func TestEventQueueConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 2000

	q := NewEventQueue(64)
	var wg sync.WaitGroup

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				ev := RawEvent{PID: uint32(pid), File: &seqFile{seq: i}}
				for !q.Enqueue(ev) {
					// Full: spin until the consumer catches up
				}
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	lastSeq := make([]int, producers)
	for i := range lastSeq {
		lastSeq[i] = -1
	}
	received := 0
	for received < producers*perProducer {
		ev, ok := q.Dequeue()
		if !ok {
			continue
		}
		seq := ev.File.(*seqFile).seq
		require.Equal(t, lastSeq[ev.PID]+1, seq, "producer %d out of order", ev.PID)
		lastSeq[ev.PID] = seq
		received++
	}
	<-done

	assert.Equal(t, uint64(producers*perProducer), q.Enqueued())
	for p := 0; p < producers; p++ {
		assert.Equal(t, perProducer-1, lastSeq[p])
	}
}
