package stream

import (
	"encoding/json"

	"github.com/davidcm/topstepx-bot/internal/observ"
)

// UserStream is the user data hub: fills, order updates and position changes
// for the authenticated account. The hub keys delivery off the token, so no
// explicit subscriptions are needed.
type UserStream struct {
	*hubClient

	onTrade    func(trades []UserTrade)
	onOrder    func(orders []UserOrder)
	onPosition func(positions []UserPosition)
}

func NewUserStream(cfg Config, tokens TokenSource, onState func(ConnectionState)) *UserStream {
	u := &UserStream{hubClient: newHubClient("user", cfg, tokens, onState)}
	u.hubClient.on("GatewayUserTrade", u.handleTrade)
	u.hubClient.on("GatewayUserOrder", u.handleOrder)
	u.hubClient.on("GatewayUserPosition", u.handlePosition)
	return u
}

// OnTrade registers the fill callback. Register before Start.
func (u *UserStream) OnTrade(h func(trades []UserTrade)) { u.onTrade = h }

func (u *UserStream) OnOrder(h func(orders []UserOrder)) { u.onOrder = h }

func (u *UserStream) OnPosition(h func(positions []UserPosition)) { u.onPosition = h }

func (u *UserStream) handleTrade(args []json.RawMessage) {
	if u.onTrade == nil {
		return
	}
	payload, err := payloadArg(args)
	if err != nil {
		observ.LogError("stream_bad_user_trade", err, map[string]any{"hub": "user"})
		return
	}
	trades, err := decodeBatch[UserTrade](payload)
	if err != nil {
		observ.LogError("stream_bad_user_trade", err, map[string]any{"payload": string(payload)})
		return
	}
	u.onTrade(trades)
}

func (u *UserStream) handleOrder(args []json.RawMessage) {
	if u.onOrder == nil {
		return
	}
	payload, err := payloadArg(args)
	if err != nil {
		observ.LogError("stream_bad_user_order", err, map[string]any{"hub": "user"})
		return
	}
	orders, err := decodeBatch[UserOrder](payload)
	if err != nil {
		observ.LogError("stream_bad_user_order", err, map[string]any{"payload": string(payload)})
		return
	}
	u.onOrder(orders)
}

func (u *UserStream) handlePosition(args []json.RawMessage) {
	if u.onPosition == nil {
		return
	}
	payload, err := payloadArg(args)
	if err != nil {
		observ.LogError("stream_bad_user_position", err, map[string]any{"hub": "user"})
		return
	}
	positions, err := decodeBatch[UserPosition](payload)
	if err != nil {
		observ.LogError("stream_bad_user_position", err, map[string]any{"payload": string(payload)})
		return
	}
	u.onPosition(positions)
}
