package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/finstream/capture/configs"
	"github.com/finstream/capture/internal/canonical"
	"github.com/finstream/capture/internal/consumer"
	"github.com/finstream/capture/internal/faulttolerance"
	"github.com/finstream/capture/internal/ledger"
	"github.com/finstream/capture/internal/parser"
	"github.com/finstream/capture/internal/pipeline"
	"github.com/finstream/capture/internal/publisher"
	"github.com/finstream/capture/internal/server"
	"github.com/finstream/capture/internal/transform"
)

func main() {
	cfg := configs.AppLoad()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tradeLedger := ledger.New()
	canonicalizer := canonical.New()
	transformer := transform.New(logger)
	recordParser := parser.New(logger)

	pub := publisher.NewKafkaPublisher(publisher.Config{
		Broker:          cfg.Kafka.Broker,
		Topic:           cfg.Kafka.OutboundTopic,
		DeadLetterTopic: cfg.Kafka.OutboundDLT(),
		Retry: faulttolerance.RetryConfig{
			MaxAttempts: cfg.Publisher.RetryMaxAttempts,
			BaseDelay:   cfg.Publisher.RetryBaseDelay,
			MaxDelay:    cfg.Publisher.RetryMaxDelay,
			Multiplier:  cfg.Publisher.RetryMultiplier,
			Name:        "publisher",
		},
		Breaker: faulttolerance.BreakerConfig{
			MaxFailures:  cfg.Publisher.BreakerMaxFailures,
			ResetTimeout: cfg.Publisher.BreakerResetTimeout,
			Name:         "publisher",
		},
		PublishRate: cfg.Publisher.PublishRate,
	}, logger)

	orchestrator := pipeline.New(
		recordParser,
		canonicalizer,
		transformer,
		tradeLedger,
		pub,
		pipeline.Config{UploadWindow: cfg.Pipeline.UploadWindow},
		logger,
	)

	inbound := consumer.New(consumer.Config{
		Broker:          cfg.Kafka.Broker,
		Topic:           cfg.Kafka.InboundTopic,
		RetryTopic:      cfg.Kafka.RetryTopic(),
		DeadLetterTopic: cfg.Kafka.InboundDLT(),
		GroupID:         cfg.Kafka.GroupID,
		WorkerCount:     cfg.Consumer.WorkerCount,
		MaxAttempts:     cfg.Consumer.MaxAttempts,
		RetryBaseDelay:  cfg.Consumer.RetryBaseDelay,
		RetryMultiplier: cfg.Consumer.RetryMultiplier,
	}, orchestrator, tradeLedger, canonicalizer, logger)

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- inbound.Start(ctx)
	}()

	handler := server.NewTradeHandler(ctx, orchestrator, tradeLedger, logger)
	router := server.NewRouter(&server.Config{TradeHandler: handler})

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		logger.Infof("HTTP server listening on :%s", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server error: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal, gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	if err := <-consumerDone; err != nil {
		logger.Errorf("Consumer error: %v", err)
	}

	// Let dispatched trades and publishes drain before closing the writers.
	orchestrator.Wait()
	if err := pub.Close(); err != nil {
		logger.Errorf("Publisher close error: %v", err)
	}

	logger.Info("Shutdown complete")
	os.Exit(0)
}
