package changebus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/internal/messaging/consumer"
	"github.com/tusury/vt-middleware-sub006/internal/messaging/producer"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// RelayOptions tunes the outbound notice buffer.
type RelayOptions struct {
	BatchSize    int
	BatchTimeout time.Duration
	RetryDelay   time.Duration
}

// Relay connects the local bus to peer server instances sharing one project
// store. Local changes go to the bus and are forwarded as notices; notices
// from peers are published on the local bus only, so they never echo back.
type Relay struct {
	bus      *Bus
	producer producer.Producer
	consumer consumer.Consumer
	origin   string
	opts     RelayOptions
	logger   *zap.SugaredLogger

	bufferMu sync.Mutex
	buffer   []*models.ChangeNotice
	wake     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelay creates a relay and starts its outbound flusher. Either p or c may
// be nil to relay in one direction only.
func NewRelay(bus *Bus, p producer.Producer, c consumer.Consumer, opts RelayOptions, logger *zap.SugaredLogger) *Relay {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 100 * time.Millisecond
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		bus:      bus,
		producer: p,
		consumer: c,
		origin:   uuid.NewString(),
		opts:     opts,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	if p != nil {
		r.wg.Add(1)
		go r.batchPublisher()
	}
	return r
}

// Origin returns the instance id stamped on outbound notices.
func (r *Relay) Origin() string {
	return r.origin
}

// Publish delivers change locally and queues it for peers.
func (r *Relay) Publish(change Change) {
	r.bus.Publish(change)
	if r.producer == nil || change.Project == nil {
		return
	}

	notice := &models.ChangeNotice{
		ID:             uuid.NewString(),
		Origin:         r.origin,
		Project:        change.Project.Clone(),
		RemovedClients: append([]string(nil), change.RemovedClients...),
		ProjectRemoved: change.ProjectRemoved,
		Time:           time.Now().UTC(),
	}

	r.bufferMu.Lock()
	r.buffer = append(r.buffer, notice)
	full := len(r.buffer) >= r.opts.BatchSize
	r.bufferMu.Unlock()

	if full {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Run consumes peer notices and republishes them on the local bus until ctx
// is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if r.consumer == nil {
		<-ctx.Done()
		return nil
	}
	r.logger.Infof("Change relay consuming, origin %s", r.origin)
	for {
		notice, ack, err := r.consumer.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			r.logger.Warnf("Change relay: consumer error: %v", err)
			select {
			case <-time.After(r.opts.RetryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if notice.Origin != r.origin && notice.Project != nil {
			r.logger.Infof("Change relay: applying notice %s for project %s from %s", notice.ID, notice.Project.Name, notice.Origin)
			r.bus.Publish(Change{
				Project:        notice.Project,
				RemovedClients: notice.RemovedClients,
				ProjectRemoved: notice.ProjectRemoved,
			})
		}
		ack(true)
	}
}

// batchPublisher flushes the buffer when it fills up, on every tick, and
// once more on shutdown. Being the only writer keeps notices in order.
func (r *Relay) batchPublisher() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.publishBatch(r.takeBuffer())
		case <-r.wake:
			r.publishBatch(r.takeBuffer())
		case <-r.ctx.Done():
			r.publishBatch(r.takeBuffer())
			return
		}
	}
}

func (r *Relay) takeBuffer() []*models.ChangeNotice {
	r.bufferMu.Lock()
	defer r.bufferMu.Unlock()
	batch := r.buffer
	r.buffer = nil
	return batch
}

func (r *Relay) publishBatch(batch []*models.ChangeNotice) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.producer.PublishBatch(ctx, batch); err != nil {
		r.logger.Errorf("Change relay: publishing %d notices failed: %v", len(batch), err)
	}
}

// Close flushes pending notices and closes producer and consumer.
func (r *Relay) Close() error {
	r.cancel()
	r.wg.Wait()

	var errs []error
	if r.producer != nil {
		errs = append(errs, r.producer.Close())
	}
	if r.consumer != nil {
		errs = append(errs, r.consumer.Close())
	}
	return errors.Join(errs...)
}

var _ Publisher = (*Relay)(nil)
