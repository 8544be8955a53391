package appender

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/config"
	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
	"github.com/tusury/vt-middleware-sub006/internal/messaging/producer"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// KafkaAppender forwards events as JSON to a Kafka topic, keyed by logger name.
type KafkaAppender struct {
	name    string
	writer  *kafka.Writer
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func newKafka(def models.Appender, logger *zap.SugaredLogger) (hierarchy.Appender, error) {
	p := params(def.Params)
	brokers, err := p.required("brokers")
	if err != nil {
		return nil, err
	}
	topic, err := p.required("topic")
	if err != nil {
		return nil, err
	}
	async, err := p.boolean("async", true)
	if err != nil {
		return nil, err
	}
	batchSize, err := p.integer("batch_size", 0)
	if err != nil {
		return nil, err
	}

	cfg := config.KafkaProducerConfig{
		Brokers:      strings.Split(brokers, ","),
		Topic:        topic,
		BatchSize:    batchSize,
		RequiredAcks: p.str("required_acks", "one"),
		Async:        async,
	}
	w, err := producer.NewWriter(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &KafkaAppender{name: def.Name, writer: w, timeout: 5 * time.Second}, nil
}

// Name returns the appender name.
func (k *KafkaAppender) Name() string {
	return k.name
}

// Append writes ev to the topic. In async mode this only enqueues.
func (k *KafkaAppender) Append(ev *models.LoggingEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Logger), Value: body})
}

// Close flushes and closes the writer.
func (k *KafkaAppender) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.writer.Close()
}
