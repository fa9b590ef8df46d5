package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, raw := range []string{"RECEIVED", "VALIDATED", "TRANSFORMED", "PUBLISHED", "FAILED"} {
		status, err := ParseStatus(raw)
		require.NoError(t, err)
		assert.Equal(t, TradeStatus(raw), status)
	}

	_, err := ParseStatus("received")
	assert.Error(t, err)
	_, err = ParseStatus("DONE")
	assert.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    TradeStatus
		to      TradeStatus
		allowed bool
	}{
		{StatusReceived, StatusValidated, true},
		{StatusValidated, StatusTransformed, true},
		{StatusTransformed, StatusPublished, true},
		{StatusReceived, StatusFailed, true},
		{StatusValidated, StatusFailed, true},
		{StatusTransformed, StatusFailed, true},
		{StatusValidated, StatusReceived, false},
		{StatusPublished, StatusFailed, false},
		{StatusPublished, StatusReceived, false},
		{StatusFailed, StatusReceived, false},
		{StatusFailed, StatusPublished, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanAdvanceTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestWithStatusCopies(t *testing.T) {
	original := CanonicalTrade{TradeID: "T1", Status: StatusReceived}
	updated := original.WithStatus(StatusValidated)

	assert.Equal(t, StatusReceived, original.Status)
	assert.Equal(t, StatusValidated, updated.Status)
	assert.Equal(t, original.TradeID, updated.TradeID)
}

func TestPlatformTradeJSONShape(t *testing.T) {
	trade := PlatformTrade{
		PlatformID: "ACCT123",
		Trade: TradeDetails{
			Account:   "*****6789",
			Security:  "ABC123",
			Type:      "B",
			Amount:    decimal.NewFromInt(100000),
			Timestamp: time.Date(2025, 8, 4, 21, 15, 33, 0, time.UTC),
		},
	}

	encoded, err := json.Marshal(trade)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, "ACCT123", decoded["platform_id"])

	details, ok := decoded["trade"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "*****6789", details["account"])
	assert.Equal(t, "B", details["type"])
}
