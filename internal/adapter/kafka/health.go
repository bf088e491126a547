package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

const brokerDialTimeout = 2 * time.Second

// BrokerCheck returns a readiness check that passes when any broker accepts a
// connection and serves the partitions of topic.
func BrokerCheck(brokers []string, topic string) func(ctx context.Context) error {
	dialer := &kafkago.Dialer{Timeout: brokerDialTimeout}
	return func(ctx context.Context) error {
		if len(brokers) == 0 {
			return errors.New("no kafka brokers configured")
		}
		errs := make([]error, 0, len(brokers))
		for _, addr := range brokers {
			err := checkBroker(ctx, dialer, addr, topic)
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
}

func checkBroker(ctx context.Context, dialer *kafkago.Dialer, addr, topic string) error {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if topic == "" {
		return nil
	}
	if _, err := conn.ReadPartitions(topic); err != nil {
		return fmt.Errorf("read partitions of %s from %s: %w", topic, addr, err)
	}
	return nil
}
