// Package model defines the canonical and platform trade representations shared
// by every pipeline stage.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Origin tags recorded on canonical trades.
const (
	SourceFileUpload = "FILE_UPLOAD"
	SourceKafka      = "KAFKA"
)

// TradeStatus is the lifecycle state of a trade inside the capture pipeline.
type TradeStatus string

const (
	StatusReceived    TradeStatus = "RECEIVED"
	StatusValidated   TradeStatus = "VALIDATED"
	StatusTransformed TradeStatus = "TRANSFORMED"
	StatusPublished   TradeStatus = "PUBLISHED"
	StatusFailed      TradeStatus = "FAILED"
)

var statusRank = map[TradeStatus]int{
	StatusReceived:    0,
	StatusValidated:   1,
	StatusTransformed: 2,
	StatusPublished:   3,
	StatusFailed:      3,
}

// ParseStatus converts a status string into a TradeStatus.
func ParseStatus(s string) (TradeStatus, error) {
	status := TradeStatus(s)
	if _, ok := statusRank[status]; !ok {
		return "", fmt.Errorf("unknown trade status: %q", s)
	}
	return status, nil
}

// Terminal reports whether no further transition is allowed from s.
func (s TradeStatus) Terminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// CanAdvanceTo reports whether a transition from s to next is legal.
// Statuses only move forward; FAILED is reachable from any non-terminal state
// and, like PUBLISHED, is never overwritten.
func (s TradeStatus) CanAdvanceTo(next TradeStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return statusRank[next] >= statusRank[s]
}

// CanonicalTrade is the normalized internal representation of a trade
// instruction, independent of the input format. Treated as an immutable value:
// transitions produce a copy via WithStatus rather than mutating in place.
type CanonicalTrade struct {
	TradeID       string          `json:"tradeId"`
	AccountNumber string          `json:"accountNumber"`
	SecurityID    string          `json:"securityId"`
	TradeType     string          `json:"tradeType"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
	PlatformID    string          `json:"platformId"`
	Source        string          `json:"source,omitempty"`
	Status        TradeStatus     `json:"status"`
	ProcessedAt   time.Time       `json:"processedAt"`
}

// WithStatus returns a copy of the trade carrying the given status.
func (t CanonicalTrade) WithStatus(status TradeStatus) CanonicalTrade {
	t.Status = status
	return t
}

// WithSource returns a copy of the trade carrying the given origin tag.
func (t CanonicalTrade) WithSource(source string) CanonicalTrade {
	t.Source = source
	return t
}

// PlatformTrade is the masked, normalized output record destined for the
// downstream accounting platform. Write-once: never mutated after the
// transformer builds it.
type PlatformTrade struct {
	PlatformID string       `json:"platform_id"`
	Trade      TradeDetails `json:"trade"`
}

// TradeDetails is the nested detail block of a platform trade.
type TradeDetails struct {
	Account   string          `json:"account"`
	Security  string          `json:"security"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}
