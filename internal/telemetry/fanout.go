// Package telemetry fans out device notifications to independent consumers.
// Each consumer has its own lifetime and its own bounded buffer; a slow
// consumer loses old samples instead of stalling the shared link.
package telemetry

import "sync"

// Fanout broadcasts values to a dynamic set of streams in registration
// order. It also backs the update-progress and session-status bridge
// streams, which share these semantics.
type Fanout[T any] struct {
	mu     sync.Mutex
	subs   []*Stream[T]
	closed bool
}

// NewFanout creates an empty broadcaster.
func NewFanout[T any]() *Fanout[T] {
	return &Fanout[T]{}
}

// Stream is one cancellable subscription to a Fanout.
type Stream[T any] struct {
	f *Fanout[T]

	mu     sync.Mutex
	ch     chan T
	closed bool
}

// Subscribe registers a new stream with the given buffer size.
// A closed Fanout hands out already-ended streams.
func (f *Fanout[T]) Subscribe(buf int) *Stream[T] {
	if buf <= 0 {
		buf = 8
	}
	s := &Stream[T]{f: f, ch: make(chan T, buf)}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		s.close()
		return s
	}
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s
}

// Publish delivers v to every stream in registration order, dropping the
// oldest buffered value of any stream that is full.
func (f *Fanout[T]) Publish(v T) {
	f.mu.Lock()
	subs := make([]*Stream[T], len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()
	for _, s := range subs {
		s.deliver(v)
	}
}

// Subscribers returns the number of active streams.
func (f *Fanout[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends every stream. Subsequent Publish calls are no-ops.
func (f *Fanout[T]) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.closed = true
	f.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Chan returns the value stream. It is closed when the stream is cancelled
// or the Fanout closes.
func (s *Stream[T]) Chan() <-chan T {
	return s.ch
}

// Cancel detaches this stream without affecting other subscribers.
func (s *Stream[T]) Cancel() {
	s.f.mu.Lock()
	for i, sub := range s.f.subs {
		if sub == s {
			s.f.subs = append(s.f.subs[:i], s.f.subs[i+1:]...)
			break
		}
	}
	s.f.mu.Unlock()
	s.close()
}

func (s *Stream[T]) deliver(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- v:
	default:
		// Buffer full: drop the oldest value, then retry once.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- v:
		default:
		}
	}
}

func (s *Stream[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
