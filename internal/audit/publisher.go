package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

type syncProducer interface {
	SendMessage(*sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// Publisher emits lifecycle events to a Kafka topic.
type Publisher struct {
	producer     syncProducer
	logger       *zap.Logger
	topic        string
	retryMax     int
	retryBackoff time.Duration
}

// Options captures publisher configuration.
type Options struct {
	Producer     syncProducer
	Topic        string
	RetryMax     int
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

// NewPublisher builds a publisher.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Producer == nil {
		return nil, fmt.Errorf("audit publisher: producer required")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("audit publisher: topic required")
	}
	retryMax := opts.RetryMax
	if retryMax <= 0 {
		retryMax = 5
	}
	retryBackoff := opts.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 500 * time.Millisecond
	}
	return &Publisher{
		producer:     opts.Producer,
		logger:       opts.Logger,
		topic:        opts.Topic,
		retryMax:     retryMax,
		retryBackoff: retryBackoff,
	}, nil
}

// Publish emits one event, keyed by federation ID so one federation's
// events land in order on a single partition.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := cbor.Marshal(event)
	if err != nil {
		p.logError("marshal audit event", event, err)
		return fmt.Errorf("audit publish: marshal event: %w", err)
	}
	kmsg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.FederationID),
		Value: sarama.ByteEncoder(payload),
	}

	var lastErr error
	backoff := p.retryBackoff
	for attempt := 0; attempt < p.retryMax; attempt++ {
		if _, _, err := p.producer.SendMessage(kmsg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == p.retryMax-1 {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	p.logError("publish audit event", event, lastErr)
	return fmt.Errorf("audit publish: %w", lastErr)
}

// Close flushes the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}

func (p *Publisher) logError(msg string, event Event, err error) {
	if p.logger != nil {
		p.logger.Error(msg,
			zap.String("event", string(event.Type)),
			zap.String("federation_id", event.FederationID),
			zap.Error(err))
	}
}
