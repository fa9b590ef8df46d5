// Package consumer pulls trade instructions off the inbound topic and feeds
// them into the pipeline, requeuing failures with backoff and routing
// exhausted messages to the dead-letter topic.
package consumer

import (
	"bytes"
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/finstream/capture/internal/canonical"
	"github.com/finstream/capture/internal/ledger"
	"github.com/finstream/capture/internal/model"
	"github.com/finstream/capture/internal/parser"
	"github.com/finstream/capture/internal/publisher"
)

// retryAttemptsHeader counts how many times a message has been requeued.
const retryAttemptsHeader = "x-retry-attempts"

// Processor runs one trade through the pipeline.
type Processor interface {
	Process(ctx context.Context, trade model.CanonicalTrade) error
}

// messageWriter is the slice of kafka.Writer the consumer needs for requeue
// and dead-letter publishing; tests swap in fakes.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageFetcher is the slice of kafka.Reader used by the consume loops.
type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds inbound consumer settings.
type Config struct {
	Broker          string
	Topic           string
	RetryTopic      string
	DeadLetterTopic string
	GroupID         string
	WorkerCount     int

	// MaxAttempts bounds total processing attempts per message (first
	// delivery plus requeues). RetryBaseDelay doubles per attempt via
	// RetryMultiplier before each requeue.
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMultiplier float64
}

// Consumer reads trade instructions from the main and retry topics with a
// bounded worker pool, and separately consumes the dead-letter topic to
// record failed trades for manual review.
type Consumer struct {
	cfg          Config
	reader       messageFetcher
	dltReader    messageFetcher
	requeue      messageWriter
	deadLetter   messageWriter
	processor    Processor
	ledger       *ledger.Ledger
	canonical    *canonical.Canonicalizer
	logger       *logrus.Logger
	messagesChan chan kafka.Message
	wg           sync.WaitGroup
}

func New(
	cfg Config,
	processor Processor,
	l *ledger.Ledger,
	c *canonical.Canonicalizer,
	logger *logrus.Logger,
) *Consumer {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMultiplier <= 1.0 {
		cfg.RetryMultiplier = 2.0
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{cfg.Broker},
		GroupTopics: []string{cfg.Topic, cfg.RetryTopic},
		GroupID:     cfg.GroupID,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	})
	dltReader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Broker},
		Topic:    cfg.DeadLetterTopic,
		GroupID:  cfg.GroupID + ".dlt",
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	return &Consumer{
		cfg:          cfg,
		reader:       reader,
		dltReader:    dltReader,
		requeue:      newWriter(cfg.Broker, cfg.RetryTopic),
		deadLetter:   newWriter(cfg.Broker, cfg.DeadLetterTopic),
		processor:    processor,
		ledger:       l,
		canonical:    c,
		logger:       logger,
		messagesChan: make(chan kafka.Message, cfg.WorkerCount*2),
	}
}

func newWriter(broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// Start runs the consume loops until the context is cancelled, then drains
// the worker pool and closes the Kafka connections.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Infof("Starting consumer: topic=%s retryTopic=%s groupID=%s workers=%d",
		c.cfg.Topic, c.cfg.RetryTopic, c.cfg.GroupID, c.cfg.WorkerCount)

	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i+1)
	}
	go c.readMessages(ctx)

	c.wg.Add(1)
	go c.dltLoop(ctx)

	<-ctx.Done()
	c.logger.Info("Shutting down consumer...")

	close(c.messagesChan)
	c.wg.Wait()

	var firstErr error
	for _, closer := range []interface{ Close() error }{c.reader, c.dltReader, c.requeue, c.deadLetter} {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		c.logger.Errorf("Error closing consumer: %v", firstErr)
		return firstErr
	}

	c.logger.Info("Consumer shut down cleanly")
	return nil
}

func (c *Consumer) readMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Errorf("Error fetching message: %v", err)
				continue
			}

			select {
			case c.messagesChan <- m:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Consumer) worker(ctx context.Context, workerID int) {
	defer c.wg.Done()
	c.logger.Infof("Worker %d started", workerID)

	for msg := range c.messagesChan {
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Errorf("Worker %d failed to commit offset %d: %v", workerID, msg.Offset, err)
		}
	}
	c.logger.Infof("Worker %d stopped", workerID)
}

// handle processes one inbound message. A null or undeserializable payload is
// acknowledged and skipped: there is nothing to canonicalize, so it never
// enters the pipeline. Processing failures are requeued with backoff until
// the attempt budget is exhausted, then dead-lettered.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	if len(bytes.TrimSpace(msg.Value)) == 0 {
		c.logger.Errorf("Received empty trade instruction - topic: %s, partition: %d, offset: %d",
			msg.Topic, msg.Partition, msg.Offset)
		return
	}

	rec, err := parser.DecodeRecord(msg.Value)
	if err != nil {
		c.logger.Errorf("Received undeserializable trade instruction - topic: %s, partition: %d, offset: %d: %v",
			msg.Topic, msg.Partition, msg.Offset, err)
		return
	}

	trade := c.canonical.Canonicalize(rec).WithSource(model.SourceKafka)
	c.logger.WithField("tradeId", trade.TradeID).Infof(
		"Received trade instruction - topic: %s, partition: %d, offset: %d", msg.Topic, msg.Partition, msg.Offset)

	if err := c.processor.Process(ctx, trade); err != nil {
		c.retryOrDeadLetter(ctx, msg, trade, err)
	}
}

func (c *Consumer) retryOrDeadLetter(ctx context.Context, msg kafka.Message, trade model.CanonicalTrade, cause error) {
	attempt := retryAttempts(msg) + 1 // attempts consumed, counting this one

	if attempt >= c.cfg.MaxAttempts {
		c.logger.WithField("tradeId", trade.TradeID).Errorf(
			"Exhausted %d processing attempts, moving to dead-letter topic: %v", attempt, cause)

		dltMsg := kafka.Message{
			Key:   msg.Key,
			Value: msg.Value,
			Headers: []kafka.Header{
				{Key: publisher.ExceptionMessageHeader, Value: []byte(cause.Error())},
			},
		}
		if err := c.deadLetter.WriteMessages(context.WithoutCancel(ctx), dltMsg); err != nil {
			c.logger.Errorf("Failed to dead-letter message at offset %d: %v", msg.Offset, err)
		}
		c.ledger.Update(trade.WithStatus(model.StatusFailed))
		return
	}

	delay := time.Duration(float64(c.cfg.RetryBaseDelay) * math.Pow(c.cfg.RetryMultiplier, float64(attempt-1)))
	c.logger.WithField("tradeId", trade.TradeID).Warnf(
		"Processing attempt %d failed, requeuing in %v: %v", attempt, delay, cause)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	retryMsg := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: retryAttemptsHeader, Value: []byte(strconv.Itoa(attempt))},
		},
	}
	if err := c.requeue.WriteMessages(ctx, retryMsg); err != nil {
		c.logger.Errorf("Failed to requeue message at offset %d: %v", msg.Offset, err)
	}
}

// dltLoop consumes the dead-letter topic and records failed trades in the
// ledger so operators can find and replay them. Undeserializable dead-letter
// payloads are acknowledged and skipped.
func (c *Consumer) dltLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.dltReader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Errorf("Error fetching dead-letter message: %v", err)
			continue
		}

		c.handleDeadLetter(ctx, msg)

		if err := c.dltReader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Errorf("Failed to commit dead-letter offset %d: %v", msg.Offset, err)
		}
	}
}

func (c *Consumer) handleDeadLetter(ctx context.Context, msg kafka.Message) {
	exception := headerValue(msg, publisher.ExceptionMessageHeader)

	rec, err := parser.DecodeRecord(msg.Value)
	if err != nil {
		c.logger.Errorf("Undeserializable dead-letter message - topic: %s, exception: %s: %v",
			msg.Topic, exception, err)
		return
	}

	trade := c.canonical.Canonicalize(rec).
		WithSource(model.SourceKafka).
		WithStatus(model.StatusFailed)
	c.ledger.Store(trade)

	c.logger.WithField("tradeId", trade.TradeID).Errorf(
		"Trade instruction moved to dead-letter topic, stored for manual review - exception: %s", exception)
}

func retryAttempts(msg kafka.Message) int {
	raw := headerValue(msg, retryAttemptsHeader)
	if raw == "" {
		return 0
	}
	attempts, err := strconv.Atoi(raw)
	if err != nil || attempts < 0 {
		return 0
	}
	return attempts
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
