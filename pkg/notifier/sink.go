package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
)

// Sink receives broadcast payloads. Send must honour ctx cancellation.
type Sink interface {
	Name() string
	Send(ctx context.Context, key string, payload []byte) (detail string, err error)
	Close() error
}

// HTTPSink posts payloads to a URL; any 2xx response is a success
type HTTPSink struct {
	url    string
	client *resty.Client
}

// NewHTTPSink creates a sink without retries; delivery is at-most-once
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPSink{url: url, client: client}
}

func (s *HTTPSink) Name() string { return "http:" + s.url }

func (s *HTTPSink) Send(ctx context.Context, _ string, payload []byte) (string, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(s.url)
	if err != nil {
		return "", err
	}
	detail := fmt.Sprintf("%d %s", resp.StatusCode(), truncate(resp.String(), 256))
	if !resp.IsSuccess() {
		return detail, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	return detail, nil
}

func (s *HTTPSink) Close() error { return nil }

// KafkaSink writes payloads to a topic, keyed by the notification type
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a synchronous single-ack writer
func NewKafkaSink(brokers []string, topic string, timeout time.Duration) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		WriteTimeout: timeout,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  1,
		Async:        false,
	}}
}

func (s *KafkaSink) Name() string { return "kafka:" + s.writer.Topic }

func (s *KafkaSink) Send(ctx context.Context, key string, payload []byte) (string, error) {
	err := s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload})
	if err != nil {
		return "", err
	}
	return "written", nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// NATSSink publishes payloads on a subject
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to the NATS server
func NewNATSSink(url, subject string, timeout time.Duration) (*NATSSink, error) {
	conn, err := nats.Connect(url, nats.Timeout(timeout), nats.Name("alarm-monitor"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats:" + s.subject }

func (s *NATSSink) Send(ctx context.Context, key string, payload []byte) (string, error) {
	if err := s.conn.Publish(s.subject+"."+key, payload); err != nil {
		return "", err
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return "", err
	}
	return "published", nil
}

func (s *NATSSink) Close() error {
	if s.conn != nil {
		s.conn.Drain()
		s.conn.Close()
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
