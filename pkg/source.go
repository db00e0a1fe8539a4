package fileaudit

import (
	"context"
	"io"
	"sync"
)

// EventSource delivers close events. Next blocks until an event is available, the source is
// exhausted (io.EOF) or ctx is done. Ownership of the returned event's file passes to the caller.
type EventSource interface {
	Next(ctx context.Context) (RawEvent, error)
	Close() error
}

// ChanSource is an in-process event source fed through Send
type ChanSource struct {
	events    chan RawEvent
	closeOnce sync.Once
}

// NewChanSource creates a source buffering up to size events
func NewChanSource(size int) *ChanSource {
	return &ChanSource{events: make(chan RawEvent, size)}
}

// Send blocks until the event is accepted or ctx is done. It must not be called after Close.
func (cs *ChanSource) Send(ctx context.Context, ev RawEvent) error {
	select {
	case cs.events <- ev:
		return nil
	case <-ctx.Done():
		ev.release()
		return ctx.Err()
	}
}

// Next returns the next event, or io.EOF once the source is closed and drained
func (cs *ChanSource) Next(ctx context.Context) (RawEvent, error) {
	select {
	case ev, ok := <-cs.events:
		if !ok {
			return RawEvent{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return RawEvent{}, ctx.Err()
	}
}

// Close ends the stream; events already sent are still delivered
func (cs *ChanSource) Close() error {
	cs.closeOnce.Do(func() {
		close(cs.events)
	})
	return nil
}
