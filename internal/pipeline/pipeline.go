// Package pipeline wires the parser, canonicalizer, transformer, ledger and
// publisher into the capture pipeline for both entry points.
package pipeline

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/finstream/capture/internal/canonical"
	"github.com/finstream/capture/internal/ledger"
	"github.com/finstream/capture/internal/model"
	"github.com/finstream/capture/internal/parser"
	"github.com/finstream/capture/internal/publisher"
	"github.com/finstream/capture/internal/transform"
)

// Config holds orchestrator settings.
type Config struct {
	// UploadWindow bounds the number of in-flight trades during file-upload
	// fan-out, so a large file neither serializes processing nor exhausts
	// broker connections.
	UploadWindow int64
}

// Orchestrator drives trades through canonicalize -> validate -> transform ->
// publish, recording every transition in the ledger. It is the only component
// aware of both entry points; everything downstream is entry-point-agnostic.
type Orchestrator struct {
	parser      *parser.Parser
	canonical   *canonical.Canonicalizer
	transformer *transform.Transformer
	ledger      *ledger.Ledger
	publisher   publisher.Publisher
	window      *semaphore.Weighted
	logger      *logrus.Logger
	inflight    sync.WaitGroup
}

func New(
	p *parser.Parser,
	c *canonical.Canonicalizer,
	t *transform.Transformer,
	l *ledger.Ledger,
	pub publisher.Publisher,
	cfg Config,
	logger *logrus.Logger,
) *Orchestrator {
	if cfg.UploadWindow <= 0 {
		cfg.UploadWindow = 8
	}
	return &Orchestrator{
		parser:      p,
		canonical:   c,
		transformer: t,
		ledger:      l,
		publisher:   pub,
		window:      semaphore.NewWeighted(cfg.UploadWindow),
		logger:      logger,
	}
}

// Process runs a single canonical trade through the pipeline. Validation and
// transform failures mark the trade FAILED in the ledger and are returned to
// the caller; they never affect sibling trades. The publish outcome is
// applied to the ledger asynchronously.
func (o *Orchestrator) Process(ctx context.Context, trade model.CanonicalTrade) error {
	o.logger.WithField("tradeId", trade.TradeID).Info("Processing trade instruction")

	o.ledger.Store(trade)

	if err := o.transformer.Validate(trade); err != nil {
		o.markFailed(trade, err)
		return err
	}
	validated := trade.WithStatus(model.StatusValidated)
	o.ledger.Update(validated)

	platformTrade, err := o.transformer.ToPlatform(validated)
	if err != nil {
		o.markFailed(validated, err)
		return err
	}
	transformed := validated.WithStatus(model.StatusTransformed)
	o.ledger.Update(transformed)

	o.publisher.Publish(ctx, platformTrade, func(err error) {
		if err != nil {
			o.logger.WithField("tradeId", transformed.TradeID).Errorf("Failed to publish trade: %v", err)
			o.ledger.Update(transformed.WithStatus(model.StatusFailed))
			return
		}
		o.logger.WithField("tradeId", transformed.TradeID).Info("Successfully published trade")
		o.ledger.Update(transformed.WithStatus(model.StatusPublished))
	})

	return nil
}

// ProcessUpload parses an uploaded file and fans the records out through the
// pipeline under the bounded concurrency window. It returns the IDs of the
// trades admitted into the pipeline; malformed records are skipped during
// parsing and never admitted. A file-level format problem (unsupported
// extension, unparseable document) rejects the whole upload before any record
// is processed further.
func (o *Orchestrator) ProcessUpload(ctx context.Context, r io.Reader, filename string) ([]string, error) {
	format, err := parser.FormatFromFilename(filename)
	if err != nil {
		return nil, err
	}

	o.logger.WithField("filename", filename).Info("Processing file upload")

	var tradeIDs []string
	err = o.parser.Parse(r, format, func(rec parser.Record) error {
		trade := o.canonical.Canonicalize(rec).WithSource(model.SourceFileUpload)
		tradeIDs = append(tradeIDs, trade.TradeID)

		if err := o.window.Acquire(ctx, 1); err != nil {
			return err
		}
		o.inflight.Add(1)
		go func() {
			defer o.inflight.Done()
			defer o.window.Release(1)
			if err := o.Process(ctx, trade); err != nil {
				o.logger.WithField("tradeId", trade.TradeID).Warnf("Trade failed during processing: %v", err)
			}
		}()
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.WithField("filename", filename).Infof("Admitted %d trades from upload", len(tradeIDs))
	return tradeIDs, nil
}

// Wait blocks until all upload fan-out goroutines have finished dispatching.
// Publish completions may still be pending in the publisher.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

func (o *Orchestrator) markFailed(trade model.CanonicalTrade, cause error) {
	o.logger.WithField("tradeId", trade.TradeID).Errorf("Error processing trade instruction: %v", cause)
	o.ledger.Update(trade.WithStatus(model.StatusFailed))
}
