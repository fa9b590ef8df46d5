// Package publisher sends platform trades to the outbound topic with bounded
// retry and dead-letter fallback.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/finstream/capture/internal/faulttolerance"
	"github.com/finstream/capture/internal/model"
)

// ExceptionMessageHeader carries the triggering error on dead-lettered messages.
const ExceptionMessageHeader = "x-exception-message"

// PublishError reports a failed outbound publish after retry exhaustion.
type PublishError struct {
	PlatformID string
	Cause      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish trade for platform %s: %v", e.PlatformID, e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }

// Publisher sends platform trades to the outbound topic. Publish is
// asynchronous: done runs on a publisher goroutine once the outcome (success,
// or failure after dead-lettering) is known, and must not block for long.
type Publisher interface {
	Publish(ctx context.Context, trade model.PlatformTrade, done func(error))
	Close() error
}

// messageWriter is the slice of kafka.Writer the publisher needs; tests swap
// in fakes.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds publisher settings.
type Config struct {
	Broker          string
	Topic           string
	DeadLetterTopic string
	WriteTimeout    time.Duration
	Retry           faulttolerance.RetryConfig
	Breaker         faulttolerance.BreakerConfig

	// PublishRate throttles outbound messages per second; 0 means unlimited.
	PublishRate float64
}

// KafkaPublisher publishes platform trades keyed by platform ID. The outbound
// topic is compaction-sensitive, so every message carries its platform ID as
// key and the writer hashes keys to partitions for per-key recency.
type KafkaPublisher struct {
	cfg     Config
	writer  messageWriter
	dlt     messageWriter
	retryer *faulttolerance.Retryer
	breaker *faulttolerance.CircuitBreaker
	limiter *rate.Limiter
	logger  *logrus.Logger
	wg      sync.WaitGroup
}

func NewKafkaPublisher(cfg Config, logger *logrus.Logger) *KafkaPublisher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = "publisher"
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "publisher"
	}

	p := &KafkaPublisher{
		cfg:     cfg,
		writer:  newWriter(cfg.Broker, cfg.Topic),
		dlt:     newWriter(cfg.Broker, cfg.DeadLetterTopic),
		retryer: faulttolerance.NewRetryer(cfg.Retry, logger),
		breaker: faulttolerance.NewCircuitBreaker(cfg.Breaker, logger),
		logger:  logger,
	}
	if cfg.PublishRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), 1)
	}
	return p
}

func newWriter(broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1, // retry policy lives in the Retryer, not the client
	}
}

// Publish dispatches the trade on a publisher goroutine and returns
// immediately. On transient failure the write is retried with exponential
// backoff; exhausting retries routes the message to the dead-letter topic
// tagged with the triggering error. done receives nil on success and the
// publish error otherwise (including the dead-lettered case).
func (p *KafkaPublisher) Publish(ctx context.Context, trade model.PlatformTrade, done func(error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		err := p.publish(ctx, trade)
		if err != nil {
			p.deadLetter(ctx, trade, err)
		}
		if done != nil {
			done(err)
		}
	}()
}

func (p *KafkaPublisher) publish(ctx context.Context, trade model.PlatformTrade) error {
	payload, err := json.Marshal(trade)
	if err != nil {
		return &PublishError{PlatformID: trade.PlatformID, Cause: err}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return &PublishError{PlatformID: trade.PlatformID, Cause: err}
		}
	}

	msg := kafka.Message{
		Key:   []byte(trade.PlatformID),
		Value: payload,
	}

	p.logger.Infof("Publishing trade to topic %s with key %s", p.cfg.Topic, trade.PlatformID)

	err = p.retryer.Execute(ctx, func() error {
		return p.breaker.Execute(func() error {
			writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
			defer cancel()
			return p.writer.WriteMessages(writeCtx, msg)
		})
	})
	if err != nil {
		return &PublishError{PlatformID: trade.PlatformID, Cause: err}
	}

	p.logger.Infof("Successfully published trade with key %s to topic %s", trade.PlatformID, p.cfg.Topic)
	return nil
}

// deadLetter preserves an unpublishable trade for manual inspection. A trade
// that exhausted its retries is never silently dropped.
func (p *KafkaPublisher) deadLetter(ctx context.Context, trade model.PlatformTrade, cause error) {
	payload, err := json.Marshal(trade)
	if err != nil {
		p.logger.Errorf("Failed to encode dead-letter trade for platform %s: %v", trade.PlatformID, err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(trade.PlatformID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: ExceptionMessageHeader, Value: []byte(cause.Error())},
		},
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.WriteTimeout)
	defer cancel()

	if err := p.dlt.WriteMessages(writeCtx, msg); err != nil {
		p.logger.Errorf("Failed to dead-letter trade for platform %s: %v", trade.PlatformID, err)
		return
	}
	p.logger.Warnf("Trade for platform %s routed to dead-letter topic %s: %v", trade.PlatformID, p.cfg.DeadLetterTopic, cause)
}

// Close waits for in-flight publishes to complete, then closes the writers.
// Dispatched publishes are allowed to finish rather than hard-cancelled.
func (p *KafkaPublisher) Close() error {
	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		p.dlt.Close()
		return err
	}
	return p.dlt.Close()
}
