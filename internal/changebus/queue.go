package changebus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/internal/metrics"
)

// queue buffers tasks for one listener and delivers them from a single
// goroutine.
type queue struct {
	listener Listener
	name     string
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	buffer   []task
	stopping bool
	wake     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newQueue(l Listener, name string, logger *zap.SugaredLogger, m *metrics.Metrics) *queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &queue{
		listener: l,
		name:     name,
		logger:   logger,
		metrics:  m,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (q *queue) push(tasks []task) {
	q.mu.Lock()
	q.buffer = append(q.buffer, tasks...)
	q.mu.Unlock()
	q.signal()
}

// stop lets the goroutine exit once the buffer is empty.
func (q *queue) stop() {
	q.mu.Lock()
	q.stopping = true
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) run() {
	defer close(q.done)
	defer q.cancel()

	for {
		q.mu.Lock()
		batch := q.buffer
		q.buffer = nil
		stopping := q.stopping
		q.mu.Unlock()

		for _, t := range batch {
			if q.ctx.Err() != nil {
				return
			}
			q.deliver(t)
		}
		if len(batch) > 0 {
			continue
		}
		if stopping {
			return
		}

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *queue) deliver(t task) {
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorf("Listener %s panicked on %s for project %s: %v", q.name, t.kind, t.project.Name, r)
			result = "panic"
		}
		q.metrics.BusNotifications.WithLabelValues(t.kind, result).Inc()
	}()

	var err error
	switch t.kind {
	case KindClientRemoved:
		err = q.listener.ClientRemoved(q.ctx, t.project, t.client)
	case KindProjectChanged:
		err = q.listener.ProjectChanged(q.ctx, t.project)
	case KindProjectRemoved:
		err = q.listener.ProjectRemoved(q.ctx, t.project)
	}
	if err != nil {
		result = "error"
		q.logger.Warnf("Listener %s failed on %s for project %s: %v", q.name, t.kind, t.project.Name, err)
	}
}
