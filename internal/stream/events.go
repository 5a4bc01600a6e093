package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Hub event payloads. The gateway batches: a single invocation may carry one
// object or an array of them, so decoding always yields a slice.

type Quote struct {
	Symbol    string    `json:"symbol"`
	BestBid   float64   `json:"bestBid"`
	BestAsk   float64   `json:"bestAsk"`
	LastPrice float64   `json:"lastPrice"`
	Volume    int       `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

type MarketTrade struct {
	SymbolID  string    `json:"symbolId"`
	Price     float64   `json:"price"`
	Volume    int       `json:"volume"`
	Type      int       `json:"type"` // 0 = buy, 1 = sell
	Timestamp time.Time `json:"timestamp"`
}

type DepthLevel struct {
	Price     float64   `json:"price"`
	Volume    int       `json:"volume"`
	Type      int       `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type UserTrade struct {
	ID                int       `json:"id"`
	AccountID         int       `json:"accountId"`
	ContractID        string    `json:"contractId"`
	OrderID           int       `json:"orderId"`
	Price             float64   `json:"price"`
	Size              int       `json:"size"`
	Side              int       `json:"side"` // 0 = buy, 1 = sell
	Voided            bool      `json:"voided"`
	Fees              float64   `json:"fees"`
	ProfitAndLoss     *float64  `json:"profitAndLoss"` // nil on entry fills
	CreationTimestamp time.Time `json:"creationTimestamp"`
}

type UserOrder struct {
	ID                int       `json:"id"`
	AccountID         int       `json:"accountId"`
	ContractID        string    `json:"contractId"`
	Status            int       `json:"status"`
	Type              int       `json:"type"`
	Side              int       `json:"side"`
	Size              int       `json:"size"`
	FillVolume        int       `json:"fillVolume"`
	FilledPrice       *float64  `json:"filledPrice"`
	LimitPrice        *float64  `json:"limitPrice"`
	StopPrice         *float64  `json:"stopPrice"`
	CreationTimestamp time.Time `json:"creationTimestamp"`
	UpdateTimestamp   time.Time `json:"updateTimestamp"`
}

type UserPosition struct {
	ID                int       `json:"id"`
	AccountID         int       `json:"accountId"`
	ContractID        string    `json:"contractId"`
	Type              int       `json:"type"` // 1 = long, 2 = short
	Size              int       `json:"size"`
	AveragePrice      float64   `json:"averagePrice"`
	CreationTimestamp time.Time `json:"creationTimestamp"`
}

// decodeBatch accepts either a single object or an array of them.
func decodeBatch[T any](raw json.RawMessage) ([]T, error) {
	trimmed := raw
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\n') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var out []T
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

// splitContractArgs handles the market hub convention of
// (contractId, payload) argument pairs, tolerating a bare payload.
func splitContractArgs(args []json.RawMessage) (string, json.RawMessage, error) {
	switch len(args) {
	case 2:
		var id string
		if err := json.Unmarshal(args[0], &id); err != nil {
			return "", nil, fmt.Errorf("contract id argument: %w", err)
		}
		return id, args[1], nil
	case 1:
		return "", args[0], nil
	default:
		return "", nil, fmt.Errorf("expected 1 or 2 arguments, got %d", len(args))
	}
}

// payloadArg returns the event payload for user hub invocations, which may
// arrive as (payload) or (accountId, payload).
func payloadArg(args []json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("invocation carried no arguments")
	}
	return args[len(args)-1], nil
}
