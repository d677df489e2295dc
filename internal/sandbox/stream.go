package sandbox

import (
	"context"
	"strings"
	"sync"
)

// EventType tags a stream event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStdout   EventType = "stdout"
	EventStderr   EventType = "stderr"
	EventComplete EventType = "complete"
)

// Event is one element of a Stream. Only the complete event carries a Result.
type Event struct {
	Type   EventType        `json:"type"`
	Data   string           `json:"data,omitempty"`
	Result *ExecutionResult `json:"result,omitempty"`
}

// Stream is a pull-based, finite, non-restartable sequence of events.
//
// The producer never blocks: events are queued and the running command is
// not paused while the consumer lags. The queue is bounded by the output
// caps of the producing executor.
type Stream struct {
	mu       sync.Mutex
	queue    []Event
	notify   chan struct{}
	finished bool
}

func newStream() *Stream {
	return &Stream{notify: make(chan struct{}, 1)}
}

func (s *Stream) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) emit(kind EventType, data []byte) {
	s.push(Event{Type: kind, Data: string(data)})
}

// Next blocks until the next event is available. It returns false once the
// complete event has been delivered, or when ctx is done.
func (s *Stream) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if s.finished {
			s.mu.Unlock()
			return Event{}, false
		}
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			if e.Type == EventComplete {
				s.finished = true
			}
			s.mu.Unlock()
			return e, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Collect drains the stream and returns the final result along with the
// concatenated stdout seen in chunks.
func (s *Stream) Collect(ctx context.Context) (*ExecutionResult, string, error) {
	var sb strings.Builder
	for {
		e, ok := s.Next(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, sb.String(), err
			}
			return nil, sb.String(), nil
		}
		switch e.Type {
		case EventStdout:
			sb.WriteString(e.Data)
		case EventComplete:
			return e.Result, sb.String(), nil
		}
	}
}

// CompletedStream returns a stream holding only a start and a complete event.
// Callers use it to report commands that were never executed.
func CompletedStream(command string, res *ExecutionResult) *Stream {
	st := newStream()
	st.push(Event{Type: EventStart, Data: command})
	st.push(Event{Type: EventComplete, Result: res})
	return st
}

// BufferedStream runs req on a backend that cannot stream and delivers the
// whole output as one chunk per channel before the complete event.
func BufferedStream(ctx context.Context, sb Sandbox, req ExecutionRequest) *Stream {
	st := newStream()
	st.push(Event{Type: EventStart, Data: req.Command})
	go func() {
		res, err := sb.Execute(ctx, req)
		if err != nil {
			res = failedResult(err, 0)
		}
		if res.Stdout != "" {
			st.emit(EventStdout, []byte(res.Stdout))
		}
		if res.Stderr != "" {
			st.emit(EventStderr, []byte(res.Stderr))
		}
		st.push(Event{Type: EventComplete, Result: res})
	}()
	return st
}

// Observe relays st and calls fn with the final result just before the
// complete event is delivered. When ctx ends first, fn receives a failure
// result and the relayed stream completes with it.
func Observe(ctx context.Context, st *Stream, fn func(*ExecutionResult)) *Stream {
	out := newStream()
	go func() {
		for {
			e, ok := st.Next(ctx)
			if !ok {
				err := ctx.Err()
				if err == nil {
					err = ErrClosed
				}
				res := failedResult(err, 0)
				fn(res)
				out.push(Event{Type: EventComplete, Result: res})
				return
			}
			if e.Type == EventComplete {
				fn(e.Result)
				out.push(e)
				return
			}
			out.push(e)
		}
	}()
	return out
}
