// Command publish sends one event to a subpool server, over HTTP or through Kafka.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pscheid92/subpool/internal/adapter/kafka"
	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/platform/version"
	"github.com/spf13/pflag"
)

const requestTimeout = 10 * time.Second

type options struct {
	url          string
	token        string
	topic        string
	payload      string
	kafkaBrokers string
	kafkaTopic   string
}

func main() {
	var opts options
	pflag.StringVar(&opts.url, "url", "http://localhost:8080/publish", "Publish endpoint")
	pflag.StringVar(&opts.token, "token", os.Getenv("PUBLISH_TOKEN"), "Bearer token (or set PUBLISH_TOKEN env)")
	pflag.StringVarP(&opts.topic, "topic", "t", "", "Event topic (required)")
	pflag.StringVarP(&opts.payload, "payload", "p", "", "Event payload as a JSON object")
	pflag.StringVar(&opts.kafkaBrokers, "kafka-brokers", "", "Comma-separated brokers; publishes through Kafka instead of HTTP")
	pflag.StringVar(&opts.kafkaTopic, "kafka-topic", "subpool.events", "Kafka topic the servers consume")
	showVersion := pflag.Bool("version", false, "Print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.UserAgent())
		return
	}

	event, err := buildEvent(opts.topic, opts.payload)
	if err != nil {
		log.Fatalf("Invalid event: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if opts.kafkaBrokers != "" {
		err = publishKafka(ctx, strings.Split(opts.kafkaBrokers, ","), opts.kafkaTopic, event)
	} else {
		err = publishHTTP(ctx, http.DefaultClient, opts.url, opts.token, event)
	}
	if err != nil {
		log.Fatalf("Publish failed: %v", err)
	}
	fmt.Println("ok")
}

func buildEvent(topic, payload string) (domain.Event, error) {
	if topic == "" {
		return domain.Event{}, errors.New("--topic is required")
	}
	event := domain.Event{Topic: topic}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
			return domain.Event{}, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}
	return event, nil
}

func publishHTTP(ctx context.Context, client *http.Client, url, token string, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server answered %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func publishKafka(ctx context.Context, brokers []string, topic string, event domain.Event) error {
	writer, err := kafka.NewWriter(brokers, topic)
	if err != nil {
		return err
	}
	producer := kafka.NewProducer(writer)
	defer func() { _ = producer.Close() }()
	return producer.Publish(ctx, event)
}
