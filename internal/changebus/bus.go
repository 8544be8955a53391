// Package changebus fans project configuration changes out to listeners.
//
// Every listener owns an ordered, unbounded queue drained by its own
// goroutine. Publish never blocks on a listener, and a slow or failing
// listener never delays the others. For a single listener, notifications are
// delivered in publish order; within one Change, client removals come before
// the project notification.
package changebus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/internal/metrics"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("change bus closed")

// Notification kinds, also used as metric labels.
const (
	KindClientRemoved  = "client_removed"
	KindProjectChanged = "project_changed"
	KindProjectRemoved = "project_removed"
)

// Listener receives change notifications. The context is cancelled when the
// bus gives up on the listener during Close.
type Listener interface {
	ClientRemoved(ctx context.Context, project *models.Project, client string) error
	ProjectChanged(ctx context.Context, project *models.Project) error
	ProjectRemoved(ctx context.Context, project *models.Project) error
}

// Change is one persisted modification of a project. For a deletion Project
// holds the last known state.
type Change struct {
	Project        *models.Project
	RemovedClients []string
	ProjectRemoved bool
}

// Publisher accepts changes for delivery.
type Publisher interface {
	Publish(change Change)
}

// Bus is the default Publisher.
type Bus struct {
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	mu     sync.Mutex
	queues []*queue
	closed bool
}

// New creates an empty bus. m may be nil.
func New(logger *zap.SugaredLogger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Bus{logger: logger, metrics: m}
}

// Subscribe registers l. Changes published before the call are not replayed.
func (b *Bus) Subscribe(l Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	q := newQueue(l, fmt.Sprintf("%T", l), b.logger, b.metrics)
	b.queues = append(b.queues, q)
	go q.run()
	return nil
}

// Unsubscribe removes l. Notifications already queued for it are still
// delivered.
func (b *Bus) Unsubscribe(l Listener) {
	b.mu.Lock()
	var removed *queue
	for i, q := range b.queues {
		if q.listener == l {
			removed = q
			b.queues = append(b.queues[:i], b.queues[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if removed != nil {
		removed.stop()
	}
}

// Publish queues change for every listener and returns immediately.
func (b *Bus) Publish(change Change) {
	if change.Project == nil {
		return
	}
	tasks := expand(change)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.logger.Warnf("Dropping change for project %s: bus closed", change.Project.Name)
		return
	}
	for _, q := range b.queues {
		q.push(tasks)
	}
}

// Close stops accepting changes and waits, up to ctx, for every listener to
// drain its queue. Listeners still busy at the deadline have their context
// cancelled and are abandoned.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := b.queues
	b.queues = nil
	b.mu.Unlock()

	for _, q := range queues {
		q.stop()
	}
	var abandoned int
	for _, q := range queues {
		select {
		case <-q.done:
		case <-ctx.Done():
			q.cancel()
			abandoned++
		}
	}
	if abandoned > 0 {
		b.logger.Warnf("Change bus closed with %d listeners still busy", abandoned)
		return ctx.Err()
	}
	return nil
}

type task struct {
	kind    string
	project *models.Project
	client  string
}

func expand(change Change) []task {
	project := change.Project.Clone()
	tasks := make([]task, 0, len(change.RemovedClients)+1)
	for _, client := range change.RemovedClients {
		tasks = append(tasks, task{kind: KindClientRemoved, project: project, client: client})
	}
	if change.ProjectRemoved {
		tasks = append(tasks, task{kind: KindProjectRemoved, project: project})
	} else {
		tasks = append(tasks, task{kind: KindProjectChanged, project: project})
	}
	return tasks
}

var _ Publisher = (*Bus)(nil)
