package stream

import (
	"encoding/json"
	"sync"

	"github.com/davidcm/topstepx-bot/internal/observ"
)

// MarketStream is the market data hub: quotes, trades and depth per contract.
// The subscription set survives reconnects: on every successful (re)connect
// the whole set is re-issued exactly once per contract.
type MarketStream struct {
	*hubClient

	subMu sync.Mutex
	subs  map[string]struct{}

	onQuote func(contractID string, quotes []Quote)
	onTrade func(contractID string, trades []MarketTrade)
	onDepth func(contractID string, depth []DepthLevel)
}

func NewMarketStream(cfg Config, tokens TokenSource, onState func(ConnectionState)) *MarketStream {
	m := &MarketStream{
		hubClient: newHubClient("market", cfg, tokens, onState),
		subs:      map[string]struct{}{},
	}
	m.hubClient.on("GatewayQuote", m.handleQuote)
	m.hubClient.on("GatewayTrade", m.handleTrade)
	m.hubClient.on("GatewayDepth", m.handleDepth)
	m.hubClient.onConnected = m.resubscribeAll
	return m
}

// OnQuote registers the quote callback. Register before Start.
func (m *MarketStream) OnQuote(h func(contractID string, quotes []Quote)) { m.onQuote = h }

func (m *MarketStream) OnTrade(h func(contractID string, trades []MarketTrade)) { m.onTrade = h }

func (m *MarketStream) OnDepth(h func(contractID string, depth []DepthLevel)) { m.onDepth = h }

// Subscribe adds a contract to the subscription set and, when connected,
// issues the subscribe invocations. Re-subscribing an already tracked
// contract is a no-op, so the broker never sees duplicates.
func (m *MarketStream) Subscribe(contractID string) {
	if contractID == "" {
		return
	}
	m.subMu.Lock()
	_, exists := m.subs[contractID]
	m.subs[contractID] = struct{}{}
	m.subMu.Unlock()
	if exists {
		return
	}
	if m.State() == StateConnected {
		m.sendSubscribe(contractID)
	}
}

// Unsubscribe removes a contract from the set and tells the broker. Every
// target is attempted even when one send fails: the set removal is what
// matters, because a reconnect only re-issues what the set still holds and
// broker-side subscriptions die with the connection anyway.
func (m *MarketStream) Unsubscribe(contractID string) {
	m.subMu.Lock()
	_, exists := m.subs[contractID]
	delete(m.subs, contractID)
	m.subMu.Unlock()
	if !exists || m.State() != StateConnected {
		return
	}
	for _, target := range []string{"UnsubscribeContractQuotes", "UnsubscribeContractTrades", "UnsubscribeContractMarketDepth"} {
		if err := m.send(target, contractID); err != nil {
			observ.LogError("stream_unsubscribe_failed", err, map[string]any{"contract": contractID, "target": target})
		}
	}
}

// Subscriptions returns a snapshot of the current subscription set.
func (m *MarketStream) Subscriptions() []string {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]string, 0, len(m.subs))
	for id := range m.subs {
		out = append(out, id)
	}
	return out
}

func (m *MarketStream) sendSubscribe(contractID string) {
	for _, target := range []string{"SubscribeContractQuotes", "SubscribeContractTrades", "SubscribeContractMarketDepth"} {
		if err := m.send(target, contractID); err != nil {
			observ.LogError("stream_subscribe_failed", err, map[string]any{"contract": contractID})
			return
		}
	}
	observ.IncCounter("stream_subscribes_total", map[string]string{"contract": contractID})
}

func (m *MarketStream) resubscribeAll() {
	ids := m.Subscriptions()
	if len(ids) == 0 {
		return
	}
	observ.Log("stream_resubscribing", map[string]any{"hub": "market", "contracts": len(ids)})
	for _, id := range ids {
		m.sendSubscribe(id)
	}
}

func (m *MarketStream) handleQuote(args []json.RawMessage) {
	if m.onQuote == nil {
		return
	}
	contractID, payload, err := splitContractArgs(args)
	if err != nil {
		observ.LogError("stream_bad_quote", err, map[string]any{"hub": "market"})
		return
	}
	quotes, err := decodeBatch[Quote](payload)
	if err != nil {
		observ.LogError("stream_bad_quote", err, map[string]any{"contract": contractID, "payload": string(payload)})
		return
	}
	m.onQuote(contractID, quotes)
}

func (m *MarketStream) handleTrade(args []json.RawMessage) {
	if m.onTrade == nil {
		return
	}
	contractID, payload, err := splitContractArgs(args)
	if err != nil {
		observ.LogError("stream_bad_trade", err, map[string]any{"hub": "market"})
		return
	}
	trades, err := decodeBatch[MarketTrade](payload)
	if err != nil {
		observ.LogError("stream_bad_trade", err, map[string]any{"contract": contractID, "payload": string(payload)})
		return
	}
	m.onTrade(contractID, trades)
}

func (m *MarketStream) handleDepth(args []json.RawMessage) {
	if m.onDepth == nil {
		return
	}
	contractID, payload, err := splitContractArgs(args)
	if err != nil {
		observ.LogError("stream_bad_depth", err, map[string]any{"hub": "market"})
		return
	}
	depth, err := decodeBatch[DepthLevel](payload)
	if err != nil {
		observ.LogError("stream_bad_depth", err, map[string]any{"contract": contractID, "payload": string(payload)})
		return
	}
	m.onDepth(contractID, depth)
}
