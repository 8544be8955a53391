// Package watch lets operators follow the live event stream of a project.
//
// A Subscription is attached to every session of the project that exists at
// attach time. Sessions publish raw events into the subscription's bounded
// queue without blocking; when the queue is full the oldest event is dropped.
// Filtering and rendering happen on the viewer's goroutine, in Feed.
package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr/vm"

	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
	"github.com/tusury/vt-middleware-sub006/internal/metrics"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

var (
	// ErrTimeout is returned by Next when no event arrived in time.
	ErrTimeout = errors.New("watch: no event before timeout")
	// ErrClosed is returned by Next once the subscription was detached or
	// every session it was attached to has ended.
	ErrClosed = errors.New("watch: subscription closed")
)

// Subscription is one viewer's handle on a project's live events.
type Subscription struct {
	ID      string
	Project string

	queue   chan *models.LoggingEvent
	dropped atomic.Uint64
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions int
	done     chan struct{}
	closed   bool

	router *hierarchy.Hierarchy
	sink   *renderSink
	filter *vm.Program
}

func newSubscription(id, project string, queueSize int, m *metrics.Metrics) *Subscription {
	return &Subscription{
		ID:      id,
		Project: project,
		queue:   make(chan *models.LoggingEvent, queueSize),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Publish enqueues ev, evicting the oldest pending event when the queue is
// full. It never blocks.
func (s *Subscription) Publish(ev *models.LoggingEvent) {
	for {
		select {
		case s.queue <- ev:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
			s.metrics.WatchDropped.Inc()
		default:
		}
	}
}

// Dropped returns the number of events evicted because the viewer fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Acquire records that a session now publishes to s.
func (s *Subscription) Acquire() {
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
}

// Release records that a session stopped publishing to s. When the last one
// is released the subscription ends.
func (s *Subscription) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == 0 {
		return
	}
	s.sessions--
	if s.sessions == 0 {
		s.closeLocked()
	}
}

// Sessions returns the number of sessions currently publishing to s.
func (s *Subscription) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Close ends the subscription. Pending events can still be read.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Next waits up to timeout for the next event. Pending events are returned
// before ErrClosed.
func (s *Subscription) Next(ctx context.Context, timeout time.Duration) (*models.LoggingEvent, error) {
	select {
	case ev := <-s.queue:
		return ev, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-s.queue:
		return ev, nil
	case <-s.done:
		select {
		case ev := <-s.queue:
			return ev, nil
		default:
			return nil, ErrClosed
		}
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
