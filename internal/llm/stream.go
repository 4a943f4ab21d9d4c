package llm

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer function to the Stream interface. The
// producer runs in its own goroutine and sends events to the channel; when
// it returns, the channel is closed and Recv yields io.EOF (or the
// producer's error, once).
type eventStream struct {
	events <-chan Event
	errCh  <-chan error
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	done bool
}

// newEventStream runs produce in a goroutine and exposes its events as a
// Stream. Close cancels the producer's context.
func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan Event, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(events)
		errCh <- produce(ctx, events)
	}()

	return &eventStream{
		events: events,
		errCh:  errCh,
		cancel: cancel,
	}
}

func (s *eventStream) Recv() (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, io.EOF
	}

	event, ok := <-s.events
	if ok {
		return event, nil
	}

	s.done = true
	if err := <-s.errCh; err != nil {
		s.err = err
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (s *eventStream) Close() error {
	s.cancel()
	return nil
}
