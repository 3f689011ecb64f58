package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/synapsehq/synapse/pkg/models"
)

// streamBufferSize bounds events buffered ahead of the consumer. Emission
// never blocks the loop; overflow past the buffer is dropped with a warning.
const streamBufferSize = 1024

// EventStream is an ordered, single-consumer sequence of AgentEvents plus a
// final-result future. Events emitted before the consumer attaches are
// buffered FIFO; events emitted after termination are discarded.
type EventStream struct {
	mu       sync.Mutex
	ch       chan models.AgentEvent
	seq      uint64
	closed   bool
	consumed bool

	done   chan struct{}
	result string
	err    error

	logger *slog.Logger
}

// NewEventStream creates an open event stream.
func NewEventStream(logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStream{
		ch:     make(chan models.AgentEvent, streamBufferSize),
		done:   make(chan struct{}),
		logger: logger.With("component", "event_stream"),
	}
}

// Emit places an event on the stream, stamping sequence and time. Events
// after termination are discarded.
func (s *EventStream) Emit(event models.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	event.Sequence = s.seq
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	select {
	case s.ch <- event:
	default:
		s.logger.Warn("event stream buffer full, dropping event", "type", string(event.Type))
	}
}

// Events returns the consumer channel. The stream enforces a single
// consumer; a second call returns a closed channel.
func (s *EventStream) Events() <-chan models.AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed {
		s.logger.Warn("event stream consumed twice")
		closed := make(chan models.AgentEvent)
		close(closed)
		return closed
	}
	s.consumed = true
	return s.ch
}

// Complete terminates the stream successfully with the final text. Only the
// first Complete or Fail takes effect.
func (s *EventStream) Complete(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.result = result
	close(s.ch)
	close(s.done)
}

// Fail terminates the stream with an error.
func (s *EventStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	close(s.done)
}

// Result awaits termination and returns the final text or error.
func (s *EventStream) Result(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, s.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Terminated reports whether the stream has completed or failed.
func (s *EventStream) Terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
