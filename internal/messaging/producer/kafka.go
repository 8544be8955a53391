package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/config"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// KafkaProducer implements the Producer interface
type KafkaProducer struct {
	writer *kafka.Writer
	logger *zap.SugaredLogger
	topic  string
}

// NewWriter builds a kafka.Writer from producer configuration, filling
// unset batch, ack and timeout settings with defaults. Shared with the
// kafka appender.
func NewWriter(cfg config.KafkaProducerConfig, logger *zap.SugaredLogger) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka producer configuration incomplete: both brokers and topic are required")
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 100 * time.Millisecond
	}

	batchBytes := cfg.BatchBytes
	if batchBytes == 0 {
		batchBytes = 5 * 1024 * 1024 // 5MB
	}

	var requiredAcks kafka.RequiredAcks
	switch cfg.RequiredAcks {
	case "none":
		requiredAcks = kafka.RequireNone
	case "one", "":
		requiredAcks = kafka.RequireOne
	case "all":
		requiredAcks = kafka.RequireAll
	default:
		return nil, fmt.Errorf("unknown required_acks %q", cfg.RequiredAcks)
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 5 * time.Second
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 5 * time.Second
	}

	return &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},

		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
		BatchBytes:   int64(batchBytes),

		RequiredAcks: requiredAcks,
		Async:        cfg.Async,

		WriteTimeout: writeTimeout,
		ReadTimeout:  readTimeout,

		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warnf("Kafka writer error: "+msg, args...)
		}),
	}, nil
}

// NewKafkaProducer creates a new KafkaProducer
func NewKafkaProducer(cfg config.KafkaProducerConfig, logger *zap.SugaredLogger) (*KafkaProducer, error) {
	w, err := NewWriter(cfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Infof("Kafka producer created, connected to Brokers: %v, Topic: %s", cfg.Brokers, cfg.Topic)

	return &KafkaProducer{
		writer: w,
		logger: logger,
		topic:  cfg.Topic,
	}, nil
}

// Publish sends a change notice
func (p *KafkaProducer) Publish(ctx context.Context, notice *models.ChangeNotice) error {
	return p.PublishBatch(ctx, []*models.ChangeNotice{notice})
}

// PublishBatch sends change notices in batch. Notices are keyed by project
// name so every notice for one project lands on one partition, in order.
func (p *KafkaProducer) PublishBatch(ctx context.Context, notices []*models.ChangeNotice) error {
	if len(notices) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, len(notices))
	for i, notice := range notices {
		body, err := json.Marshal(notice)
		if err != nil {
			return fmt.Errorf("failed to serialize change notice (ID: %s): %w", notice.ID, err)
		}
		var key string
		if notice.Project != nil {
			key = notice.Project.Name
		}
		msgs[i] = kafka.Message{Key: []byte(key), Value: body}
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write %d change notices to Kafka: %w", len(msgs), err)
	}

	p.logger.Debugf("Published %d change notices (Topic: %s)", len(msgs), p.topic)
	return nil
}

// Close closes the producer
func (p *KafkaProducer) Close() error {
	p.logger.Info("Closing Kafka producer (and flushing buffer)...")
	return p.writer.Close()
}

var _ Producer = (*KafkaProducer)(nil) // Compile-time interface check
