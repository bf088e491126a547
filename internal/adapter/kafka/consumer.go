// Package kafka feeds publishes from a Kafka topic into the fan-out, and writes
// events to that topic for producers that prefer Kafka over POST /publish.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/fanout"
	"github.com/pscheid92/subpool/internal/platform/correlation"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	fetchErrorBackoff = time.Second
	maxMessageBytes   = 10e6
)

// Publisher runs a fan-out and reports its outcome.
type Publisher interface {
	PublishSync(ctx context.Context, event domain.Event) (fanout.Report, error)
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads {topic, payload} records and publishes each one.
// Messages are committed after their publish finished, whatever the outcome:
// a failed fan-out is not retried from Kafka.
type Consumer struct {
	reader    MessageReader
	publisher Publisher

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once

	running atomic.Bool
	// set while the loop waits out a failed fetch
	fetchErr atomic.Pointer[error]
}

func NewReader(cfg ConsumerConfig) (*kafkago.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker address is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: maxMessageBytes,
		MaxWait:  500 * time.Millisecond,
	}), nil
}

func NewConsumer(reader MessageReader, publisher Publisher) *Consumer {
	return &Consumer{reader: reader, publisher: publisher}
}

// Start runs the consume loop until ctx is cancelled or Close is called.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.running.Store(true)
	c.wg.Go(func() {
		defer c.running.Store(false)
		c.run(ctx)
	})
	slog.Info("Kafka consumer started")
}

func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		err = c.reader.Close()
	})
	return err
}

// Check fails while the consume loop is not running or is backing off after a
// failed fetch.
func (c *Consumer) Check(_ context.Context) error {
	if !c.running.Load() {
		return errors.New("kafka consumer is not running")
	}
	if err := c.fetchErr.Load(); err != nil {
		return fmt.Errorf("kafka fetch failing: %w", *err)
	}
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Kafka fetch failed", "error", err)
			c.fetchErr.Store(&err)
			select {
			case <-time.After(fetchErrorBackoff):
				c.fetchErr.Store(nil)
				continue
			case <-ctx.Done():
				return
			}
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("Kafka commit failed", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafkago.Message) {
	ctx = correlation.WithID(ctx, messageID(msg))

	event, err := decodeEvent(msg)
	if err != nil {
		slog.WarnContext(ctx, "Dropping malformed Kafka message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return
	}

	report, err := c.publisher.PublishSync(ctx, event)
	if err != nil {
		slog.ErrorContext(ctx, "Publish from Kafka failed", "topic", event.Topic, "error", err)
		return
	}
	slog.DebugContext(ctx, "Published from Kafka", "topic", event.Topic, "matched", report.Matched, "pools", report.Pools)
}

// decodeEvent reads a {topic, payload} record. The message key names the topic
// when the value does not.
func decodeEvent(msg kafkago.Message) (domain.Event, error) {
	var event domain.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return domain.Event{}, fmt.Errorf("%w: decode message value: %w", domain.ErrValidation, err)
	}
	if event.Topic == "" {
		event.Topic = string(msg.Key)
	}
	if event.Topic == "" {
		return domain.Event{}, fmt.Errorf("%w: missing topic", domain.ErrValidation)
	}
	return event, nil
}

func messageID(msg kafkago.Message) string {
	return "kafka-" + strconv.Itoa(msg.Partition) + "-" + strconv.FormatInt(msg.Offset, 10)
}
