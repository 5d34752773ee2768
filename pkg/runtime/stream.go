package runtime

import (
	"context"
	"sync"

	"github.com/tcmartin/stepflow/pkg/models"
)

// Stream is the consumer side of one execution run. Events arrive in order
// on a bounded channel that is closed when the run suspends or finishes.
type Stream struct {
	SessionID string

	events chan models.Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	final models.FlowState
}

func newStream(ctx context.Context, sessionID string, buffer int) *Stream {
	runCtx, cancel := context.WithCancel(ctx)
	return &Stream{
		SessionID: sessionID,
		events:    make(chan models.Event, buffer),
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Events returns the event channel
func (s *Stream) Events() <-chan models.Event {
	return s.events
}

// Cancel stops event forwarding. The flow pauses at the next step boundary;
// a call already in flight is allowed to finish.
func (s *Stream) Cancel() {
	s.cancel()
}

// Done is closed after the run ended and the final state is available
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait drains the remaining events and returns the state the run ended in
func (s *Stream) Wait() models.FlowState {
	for range s.events {
	}
	<-s.done
	return s.Final()
}

// Collect drains the stream, returning every event and the final state
func (s *Stream) Collect() ([]models.Event, models.FlowState) {
	var out []models.Event
	for ev := range s.events {
		out = append(out, ev)
	}
	<-s.done
	return out, s.Final()
}

// Final returns the state the run ended in, valid once Done is closed
func (s *Stream) Final() models.FlowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// send forwards an event unless the consumer cancelled
func (s *Stream) send(ev models.Event) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Stream) finish(state models.FlowState) {
	s.mu.Lock()
	s.final = state
	s.mu.Unlock()
	close(s.events)
	s.cancel()
	close(s.done)
}
