package consumer

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

// KafkaConsumer implements the Consumer interface to consume change notices from Kafka
type KafkaConsumer struct {
	reader *kafka.Reader
	logger *zap.SugaredLogger
}

// NewKafkaConsumer creates a new KafkaConsumer instance
func NewKafkaConsumer(cfg config.KafkaConsumerConfig, logger *zap.SugaredLogger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("incomplete kafka configuration: brokers, topic, group_id are all required")
	}

	sessionTimeout := cfg.SessionTimeout
	if sessionTimeout == 0 {
		sessionTimeout = 30 * time.Second
	}

	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval == 0 {
		heartbeatInterval = 3 * time.Second
	}

	readerConfig := kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		Topic:             cfg.Topic,
		MinBytes:          1,
		MaxBytes:          10e6,            // 10MB
		MaxWait:           1 * time.Second, // Change notices are rare; do not hold them back
		SessionTimeout:    sessionTimeout,
		HeartbeatInterval: heartbeatInterval,
	}

	switch cfg.AutoOffsetReset {
	case "earliest":
		readerConfig.StartOffset = kafka.FirstOffset
	case "latest", "":
		readerConfig.StartOffset = kafka.LastOffset
	default:
		logger.Warnf("Unknown auto_offset_reset '%s', using latest", cfg.AutoOffsetReset)
		readerConfig.StartOffset = kafka.LastOffset
	}

	r := kafka.NewReader(readerConfig)

	logger.Infof("Kafka consumer created, connected to Brokers: %v, Topic: %s, GroupID: %s", cfg.Brokers, cfg.Topic, cfg.GroupID)

	return &KafkaConsumer{
		reader: r,
		logger: logger,
	}, nil
}

// Consume implements the Consumer interface by reading notices from Kafka
func (k *KafkaConsumer) Consume(ctx context.Context) (*models.ChangeNotice, func(success bool), error) {
	kafkaMsg, err := k.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, nil, ctx.Err()
		}
		return nil, nil, err
	}

	var notice models.ChangeNotice
	if err := json.Unmarshal(kafkaMsg.Value, &notice); err != nil {
		k.logger.Warnf("Kafka consumer: failed to deserialize notice (Offset: %d): %v. Notice will be discarded.", kafkaMsg.Offset, err)
		_ = k.reader.CommitMessages(ctx, kafkaMsg) // Commit offset to avoid blocking
		return nil, nil, fmt.Errorf("notice deserialization failed: %w", err)
	}

	ack := func(success bool) {
		if !success {
			k.logger.Warnf("Kafka consumer: NACK for offset %d (notice %s). Offset will not be committed.", kafkaMsg.Offset, notice.ID)
			return
		}
		if err := k.reader.CommitMessages(context.Background(), kafkaMsg); err != nil {
			k.logger.Warnf("Kafka consumer: failed to commit offset %d: %v", kafkaMsg.Offset, err)
		}
	}

	return &notice, ack, nil
}

// Close implements the Consumer interface by closing the Kafka reader
func (k *KafkaConsumer) Close() error {
	k.logger.Info("Closing Kafka consumer...")
	return k.reader.Close()
}

// Ensure KafkaConsumer implements the Consumer interface
var _ Consumer = (*KafkaConsumer)(nil)
