// Package canonical builds canonical trades from raw parsed records, assigning
// identifiers and defaults where the input left them out.
package canonical

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/finstream/capture/internal/model"
	"github.com/finstream/capture/internal/parser"
)

// IDGenerator produces process-unique trade identifiers. The wall-clock
// component keeps IDs sortable across restarts while the atomic sequence
// rules out collisions within a single process lifetime.
type IDGenerator struct {
	seq atomic.Int64
}

// Next returns a fresh trade ID of the form TRADE-<unix-millis>-<sequence>.
func (g *IDGenerator) Next() string {
	return fmt.Sprintf("TRADE-%d-%d", time.Now().UnixMilli(), g.seq.Add(1))
}

// Canonicalizer converts raw records into canonical trades. Pure construction:
// it never touches the ledger.
type Canonicalizer struct {
	ids IDGenerator
}

func New() *Canonicalizer {
	return &Canonicalizer{}
}

// Canonicalize builds a CanonicalTrade from a raw record. A missing trade ID
// gets a generated one, status defaults to RECEIVED and processedAt to now.
func (c *Canonicalizer) Canonicalize(rec parser.Record) model.CanonicalTrade {
	tradeID := rec.TradeID
	if tradeID == "" {
		tradeID = c.ids.Next()
	}

	status := model.StatusReceived
	if rec.Status != "" {
		if parsed, err := model.ParseStatus(rec.Status); err == nil {
			status = parsed
		}
	}

	processedAt := rec.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}

	return model.CanonicalTrade{
		TradeID:       tradeID,
		AccountNumber: rec.AccountNumber,
		SecurityID:    rec.SecurityID,
		TradeType:     rec.TradeType,
		Amount:        rec.Amount,
		Timestamp:     rec.Timestamp,
		PlatformID:    rec.PlatformID,
		Source:        rec.Source,
		Status:        status,
		ProcessedAt:   processedAt,
	}
}
