// Package consumer feeds raw condition events from a Kafka topic into alert
// ingest.
//
// Offsets are committed only after an event was stored or found invalid, so
// delivery is at-least-once. Redelivered events fold into the active alert's
// occurrence count like any other repeat.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/modplast83/Modern-MPS--sub001/internal/alerts"
	"github.com/modplast83/Modern-MPS--sub001/internal/metrics"
)

const (
	readTimeout = 1 * time.Second
	retryDelay  = 2 * time.Second
)

// Submitter is alert ingest.
type Submitter interface {
	Submit(ctx context.Context, ev alerts.Event) (alerts.SubmitResult, error)
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads events and submits them.
type Consumer struct {
	reader     Reader
	topic      string
	submitter  Submitter
	metrics    *metrics.Collector
	logger     *slog.Logger
	retryDelay time.Duration
}

// New creates a consumer group reader on topic. brokers is comma-separated.
func New(brokers, topic, groupID string, submitter Submitter, logger *slog.Logger) (*Consumer, error) {
	if brokers == "" {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if groupID == "" {
		return nil, fmt.Errorf("groupID cannot be empty")
	}

	brokerList := parseBrokers(brokers)
	logger.Info("Initializing Kafka consumer", "brokers", brokerList, "topic", topic, "group_id", groupID)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokerList,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     readTimeout,
		StartOffset: kafka.FirstOffset,
	})
	return NewWithReader(reader, topic, submitter, logger), nil
}

// NewWithReader wraps an existing reader.
func NewWithReader(r Reader, topic string, submitter Submitter, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:     r,
		topic:      topic,
		submitter:  submitter,
		logger:     logger,
		retryDelay: retryDelay,
	}
}

func (c *Consumer) SetMetrics(m *metrics.Collector) { c.metrics = m }

// Run consumes until ctx is cancelled. A store failure retries the same
// message without committing it.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka consumer started", "topic", c.topic)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Kafka consumer stopped", "topic", c.topic)
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if !c.process(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// process handles one message. It returns false only when ctx ended before
// the message could be handled.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	var ev alerts.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.metrics.Inc(metrics.EventsInvalid)
		c.logger.Warn("Skipping undecodable event",
			"partition", msg.Partition, "offset", msg.Offset, "error", err)
		return true
	}

	for {
		res, err := c.submitter.Submit(ctx, ev)
		if err == nil {
			c.metrics.Inc(metrics.EventsConsumed)
			c.logger.Debug("Event ingested",
				"offset", msg.Offset, "alert_id", res.Alert.ID, "created", res.Created)
			return true
		}

		var ve *alerts.ValidationError
		if errors.As(err, &ve) {
			c.metrics.Inc(metrics.EventsInvalid)
			c.logger.Warn("Skipping invalid event",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
			return true
		}

		c.logger.Error("Event ingest failed, retrying",
			"partition", msg.Partition, "offset", msg.Offset, "error", err, "retry_in", c.retryDelay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.retryDelay):
		}
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	c.logger.Info("Closing Kafka consumer", "topic", c.topic)
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}
	return nil
}

func parseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
