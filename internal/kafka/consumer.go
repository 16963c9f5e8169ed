package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ms-tripbooking/internal/logger"

	"github.com/segmentio/kafka-go"
)

type Handler func(ctx context.Context, topic string, env Envelope) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads booking events from a consumer group. The audit log is its only subscriber today.
type Consumer struct {
	reader messageReader
	logger *logger.Logger
}

func NewConsumer(brokers []string, topics []string, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupTopics: topics,
		GroupID:     groupID,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
	})
	return &Consumer{reader: reader, logger: log}
}

// Start consumes until ctx is cancelled. Undecodable messages are committed and skipped;
// handler errors leave the message uncommitted.
func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	c.logger.LogKafka("CONSUME", "-", "consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			c.logger.Error("KAFKA", fmt.Sprintf("fetch message: %v", err))
			continue
		}

		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			c.logger.Warn("KAFKA", fmt.Sprintf("skipping undecodable message on %s offset=%d: %v", msg.Topic, msg.Offset, err))
			c.commit(ctx, msg)
			continue
		}

		if err := handler(ctx, msg.Topic, env); err != nil {
			c.logger.Error("KAFKA", fmt.Sprintf("handle %s %s: %v", env.Type, env.ID, err))
			continue
		}
		c.commit(ctx, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("KAFKA", fmt.Sprintf("commit offset %d on %s: %v", msg.Offset, msg.Topic, err))
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// AuditHandler logs every event it sees.
func AuditHandler(log *logger.Logger) Handler {
	return func(_ context.Context, topic string, env Envelope) error {
		log.LogKafka("AUDIT", topic, fmt.Sprintf("%s id=%s at=%s payload=%s", env.Type, env.ID, env.OccurredAt.Format("2006-01-02T15:04:05Z"), string(env.Payload)))
		return nil
	}
}
