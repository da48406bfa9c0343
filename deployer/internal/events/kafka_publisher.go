// Package events publishes one message per deployment record to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
)

type KafkaPublisherConfig struct {
	Brokers []string
	Topic   string
	// Service is copied into every event so consumers can tell gateways apart.
	Service string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// WriteTimeout is the per-attempt timeout. Defaults to 10s.
	WriteTimeout time.Duration
}

// Writer is the part of kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the message value.
type Event struct {
	RunID      string             `json:"runId"`
	Service    string             `json:"service"`
	APIID      string             `json:"apiId"`
	Kind       models.OutcomeKind `json:"kind"`
	StatusCode int                `json:"statusCode,omitempty"`
	Detail     string             `json:"detail,omitempty"`
	Succeeded  bool               `json:"succeeded"`
	FinishedAt time.Time          `json:"finishedAt"`
}

// KafkaPublisher keys each message by api id so every version of an api lands on one
// partition in order.
type KafkaPublisher struct {
	writer       Writer
	service      string
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
}

func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newPublisher(w, cfg), nil
}

func newPublisher(w Writer, cfg KafkaPublisherConfig) *KafkaPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaPublisher{
		writer:       w,
		service:      cfg.Service,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		backoff:      100 * time.Millisecond,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, runID string, rec models.Record) error {
	value, err := json.Marshal(Event{
		RunID:      runID,
		Service:    p.service,
		APIID:      rec.APIID,
		Kind:       rec.Outcome.Kind,
		StatusCode: rec.Outcome.StatusCode,
		Detail:     rec.Outcome.Detail,
		Succeeded:  rec.Outcome.Succeeded(),
		FinishedAt: rec.FinishedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{Key: []byte(rec.APIID), Value: value, Time: time.Now().UTC()}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish %s: %w", rec.APIID, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish %s failed after %d attempts: %w", rec.APIID, p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
