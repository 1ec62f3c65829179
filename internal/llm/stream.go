package llm

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer function to the pull-based Stream interface.
// The producer writes events to the channel and returns when the underlying
// response is exhausted; its return value becomes the stream's final error.
type eventStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	errc   chan error

	mu       sync.Mutex
	done     bool
	finalErr error
}

// newEventStream runs fn in a goroutine and exposes its events as a Stream.
// Cancelling ctx (or calling Close) surfaces the context error from Recv,
// never a transport error, so callers can tell "cancelled" from "failed".
func newEventStream(ctx context.Context, fn func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 16),
		errc:   make(chan error, 1),
	}
	go func() {
		s.errc <- fn(ctx, s.events)
		close(s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	s.mu.Lock()
	if s.done {
		err := s.finalErr
		s.mu.Unlock()
		return Event{}, err
	}
	s.mu.Unlock()

	select {
	case <-s.ctx.Done():
		// Buffered events are discarded on cancellation.
		return Event{}, s.finish(s.ctx.Err())
	case event, ok := <-s.events:
		if !ok {
			err := <-s.errc
			if err == nil {
				err = io.EOF
			}
			return Event{}, s.finish(err)
		}
		return event, nil
	}
}

func (s *eventStream) finish(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		s.finalErr = err
	}
	return s.finalErr
}

func (s *eventStream) Close() error {
	s.cancel()
	// Unblock the producer if it is mid-send; it exits on the cancelled
	// context at its next suspension point.
	go func() {
		for range s.events {
		}
	}()
	return nil
}
