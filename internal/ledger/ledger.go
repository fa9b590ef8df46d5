// Package ledger holds the in-memory status ledger tracking every trade
// through its lifecycle. Volatile by design: state is rebuilt from the event
// stream, not persisted.
package ledger

import (
	"sort"
	"sync"

	"github.com/finstream/capture/internal/model"
)

// Ledger is a concurrent map of trade ID to the latest canonical trade
// snapshot. Per-key atomicity comes from sync.Map compare-and-swap loops;
// there is no global lock.
type Ledger struct {
	entries sync.Map // tradeID -> model.CanonicalTrade
}

func New() *Ledger {
	return &Ledger{}
}

// Store inserts or replaces the entry for the trade's ID. Used when a trade
// first enters the pipeline (and by the dead-letter path, which records
// trades that never made it through).
func (l *Ledger) Store(trade model.CanonicalTrade) {
	if trade.TradeID == "" {
		return
	}
	l.entries.Store(trade.TradeID, trade)
}

// Update overwrites an existing entry with a later lifecycle snapshot. It
// never creates entries, and it refuses regressions: the stored status only
// moves forward, with PUBLISHED and FAILED terminal. Returns whether the
// entry was updated.
func (l *Ledger) Update(trade model.CanonicalTrade) bool {
	if trade.TradeID == "" {
		return false
	}
	for {
		current, ok := l.entries.Load(trade.TradeID)
		if !ok {
			return false
		}
		existing := current.(model.CanonicalTrade)
		if !existing.Status.CanAdvanceTo(trade.Status) {
			return false
		}
		if l.entries.CompareAndSwap(trade.TradeID, current, trade) {
			return true
		}
	}
}

// Get returns the latest snapshot for a trade ID.
func (l *Ledger) Get(tradeID string) (model.CanonicalTrade, bool) {
	current, ok := l.entries.Load(tradeID)
	if !ok {
		return model.CanonicalTrade{}, false
	}
	return current.(model.CanonicalTrade), true
}

// List returns all trades, optionally filtered by status (empty = all),
// ordered by trade ID for stable output.
func (l *Ledger) List(status model.TradeStatus) []model.CanonicalTrade {
	var trades []model.CanonicalTrade
	l.entries.Range(func(_, value any) bool {
		trade := value.(model.CanonicalTrade)
		if status == "" || trade.Status == status {
			trades = append(trades, trade)
		}
		return true
	})
	sort.Slice(trades, func(i, j int) bool { return trades[i].TradeID < trades[j].TradeID })
	return trades
}

// Statistics summarizes the ledger contents.
type Statistics struct {
	TotalTrades  int                       `json:"totalTrades"`
	StatusCounts map[model.TradeStatus]int `json:"statusCounts"`
}

// Statistics returns the total entry count and a per-status breakdown.
func (l *Ledger) Statistics() Statistics {
	stats := Statistics{StatusCounts: make(map[model.TradeStatus]int)}
	l.entries.Range(func(_, value any) bool {
		trade := value.(model.CanonicalTrade)
		stats.TotalTrades++
		stats.StatusCounts[trade.Status]++
		return true
	})
	return stats
}

// Clear removes every entry. Administrative operation.
func (l *Ledger) Clear() {
	l.entries.Clear()
}
