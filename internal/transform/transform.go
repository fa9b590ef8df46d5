// Package transform validates canonical trades and projects them into the
// masked, normalized platform format.
package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/finstream/capture/internal/model"
)

// tradeTypeMappings maps known trade type inputs to platform codes. Ordered so
// the substring fallback checks longer keys first (SHORT_SELL before SHORT).
var tradeTypeMappings = []struct {
	input string
	code  string
}{
	{"SHORT_SELL", "SS"},
	{"PURCHASE", "B"},
	{"SHORT", "SS"},
	{"SELL", "S"},
	{"SALE", "S"},
	{"BUY", "B"},
}

var securityPattern = regexp.MustCompile(`^[A-Z0-9]{3,12}$`)

// ValidationError reports the first violated required-field rule on a
// canonical trade. Fail-fast: validation stops at the first violation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// TransformError reports a masking or normalization constraint violation.
type TransformError struct {
	Reason string
}

func (e *TransformError) Error() string { return e.Reason }

// Transformer holds the validation and platform projection logic. Both are
// pure functions over the trade value; no I/O beyond warning logs.
type Transformer struct {
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Transformer {
	return &Transformer{logger: logger}
}

// Validate enforces the required-field invariants on a canonical trade.
// Security ID format is deliberately not checked here: normalization must
// happen before the format check is meaningful, so ToPlatform polices it.
func (t *Transformer) Validate(trade model.CanonicalTrade) error {
	if strings.TrimSpace(trade.AccountNumber) == "" {
		return &ValidationError{Reason: "account number is required"}
	}
	if strings.TrimSpace(trade.SecurityID) == "" {
		return &ValidationError{Reason: "security ID is required"}
	}
	if strings.TrimSpace(trade.TradeType) == "" {
		return &ValidationError{Reason: "trade type is required"}
	}
	if trade.Amount.Sign() <= 0 {
		return &ValidationError{Reason: "amount must be positive"}
	}
	if trade.Timestamp.IsZero() {
		return &ValidationError{Reason: "timestamp is required"}
	}
	if strings.TrimSpace(trade.PlatformID) == "" {
		return &ValidationError{Reason: "platform ID is required"}
	}
	return nil
}

// ToPlatform projects a canonical trade into the platform format, applying
// account masking and security/type normalization.
func (t *Transformer) ToPlatform(trade model.CanonicalTrade) (model.PlatformTrade, error) {
	account, err := MaskAccountNumber(trade.AccountNumber)
	if err != nil {
		return model.PlatformTrade{}, err
	}

	security, err := NormalizeSecurityID(trade.SecurityID)
	if err != nil {
		return model.PlatformTrade{}, err
	}

	tradeType, err := t.NormalizeTradeType(trade.TradeType)
	if err != nil {
		return model.PlatformTrade{}, err
	}

	return model.PlatformTrade{
		PlatformID: trade.PlatformID,
		Trade: model.TradeDetails{
			Account:   account,
			Security:  security,
			Type:      tradeType,
			Amount:    trade.Amount,
			Timestamp: trade.Timestamp.UTC(),
		},
	}, nil
}

// MaskAccountNumber keeps the last four characters and replaces everything
// before them with '*'. Example: "123456789" -> "*****6789".
func MaskAccountNumber(accountNumber string) (string, error) {
	clean := strings.TrimSpace(accountNumber)
	if clean == "" {
		return "", &TransformError{Reason: "account number cannot be empty"}
	}
	runes := []rune(clean)
	if len(runes) < 4 {
		return "", &TransformError{Reason: "account number must be at least 4 characters"}
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:]), nil
}

// NormalizeSecurityID trims, uppercases and validates a security identifier.
func NormalizeSecurityID(securityID string) (string, error) {
	clean := strings.ToUpper(strings.TrimSpace(securityID))
	if clean == "" {
		return "", &TransformError{Reason: "security ID cannot be empty"}
	}
	if !securityPattern.MatchString(clean) {
		return "", &TransformError{
			Reason: fmt.Sprintf("invalid security ID format, must be 3-12 alphanumeric characters: %s", securityID),
		}
	}
	return clean, nil
}

// NormalizeTradeType maps a trade type input to its platform code: exact match
// first, then substring containment, then the first character of the
// uppercased input. The first-character fallback is a best-effort policy for
// unanticipated inputs, so it warns instead of failing.
func (t *Transformer) NormalizeTradeType(tradeType string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(tradeType))
	if upper == "" {
		return "", &TransformError{Reason: "trade type cannot be empty"}
	}

	for _, m := range tradeTypeMappings {
		if upper == m.input {
			return m.code, nil
		}
	}
	for _, m := range tradeTypeMappings {
		if strings.Contains(upper, m.input) {
			return m.code, nil
		}
	}

	t.logger.Warnf("Unknown trade type %q, using first character as fallback", tradeType)
	return string([]rune(upper)[0]), nil
}
