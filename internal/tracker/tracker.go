package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davidcm/topstepx-bot/internal/observ"
)

type Direction int

const (
	Long  Direction = 1
	Short Direction = -1
)

func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// ParseDirection maps a webhook signal to a direction.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "long":
		return Long, true
	case "short":
		return Short, true
	default:
		return 0, false
	}
}

type Status int

const (
	StatusPendingEntry Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusPendingEntry:
		return "pending_entry"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Thresholds are snapshotted from the strategy config when a trade is
// registered, so config edits never change an in-flight trade's bounds.
type Thresholds struct {
	MaxTradeLoss   float64
	MaxTradeProfit float64
	MaxDailyLoss   float64
	MaxDailyProfit float64
}

type Trade struct {
	Strategy    string
	OrderID     int
	AccountID   int
	ContractID  string
	Direction   Direction
	Size        int
	PointValue  float64
	Thresholds  Thresholds
	Status      Status
	EntryPrice  *float64
	ExitPrice   *float64
	RealizedPnL float64
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// PnL converts a price move into account currency for a position.
func PnL(entry, mark float64, dir Direction, size int, pointValue float64) float64 {
	points := (mark - entry) * float64(dir)
	return points * pointValue * float64(size)
}

var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrHalted          = errors.New("strategy halted for the day")
	ErrTradeActive     = errors.New("trade already active")
)

// Recorder receives one record per state transition, for the audit journal.
type Recorder interface {
	Record(strategy, kind string, orderID int, payload map[string]any)
}

// pendingFillTTL bounds how long an unmatched fill is kept for replay. A
// market order can fill within milliseconds, so the fill event on the user
// stream may beat the place-order HTTP response that registers the trade.
const pendingFillTTL = time.Minute

type pendingFill struct {
	fill Fill
	seen time.Time
}

type strategyState struct {
	mu            sync.Mutex
	active        *Trade
	reserved      bool // webhook holds a slot while the entry order is in flight
	closeInFlight bool
	dailyRealized float64
	halted        bool
	haltReason    string
}

// Tracker is the single source of truth for per-strategy trade state. Both
// the webhook path and the stream callbacks mutate it; every
// check-then-act sequence runs under the strategy's lock.
type Tracker struct {
	mu           sync.RWMutex
	strategies   map[string]*strategyState
	byOrder      map[int]string // order id -> strategy, for fill routing
	pendingFills map[int]pendingFill
	recorder     Recorder
	now          func() time.Time
}

func New(recorder Recorder) *Tracker {
	return &Tracker{
		strategies:   map[string]*strategyState{},
		byOrder:      map[int]string{},
		pendingFills: map[int]pendingFill{},
		recorder:     recorder,
		now:          time.Now,
	}
}

// AddStrategy registers a strategy name. Idempotent.
func (t *Tracker) AddStrategy(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.strategies[name]; !ok {
		t.strategies[name] = &strategyState{}
	}
}

func (t *Tracker) state(name string) (*strategyState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.strategies[name]
	return s, ok
}

func (t *Tracker) record(strategy, kind string, orderID int, payload map[string]any) {
	if t.recorder != nil {
		t.recorder.Record(strategy, kind, orderID, payload)
	}
}

// Reserve claims the strategy's single trade slot before the entry order is
// submitted, so concurrent webhooks cannot double-enter. The caller must
// either RegisterPendingTrade or CancelReservation afterwards.
func (t *Tracker) Reserve(strategy string) error {
	s, ok := t.state(strategy)
	if !ok {
		return ErrUnknownStrategy
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return ErrHalted
	}
	if s.active != nil || s.reserved {
		return ErrTradeActive
	}
	s.reserved = true
	return nil
}

// CancelReservation releases a slot claimed by Reserve when order placement
// fails.
func (t *Tracker) CancelReservation(strategy string) {
	s, ok := t.state(strategy)
	if !ok {
		return
	}
	s.mu.Lock()
	s.reserved = false
	s.mu.Unlock()
}

// RegisterPendingTrade consumes the reservation and creates the pending
// trade. The fill that sets the entry price arrives later via OnFill.
func (t *Tracker) RegisterPendingTrade(strategy string, orderID, accountID int, contractID string, dir Direction, size int, pointValue float64, th Thresholds) (Trade, error) {
	s, ok := t.state(strategy)
	if !ok {
		return Trade{}, ErrUnknownStrategy
	}
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return Trade{}, ErrTradeActive
	}
	trade := &Trade{
		Strategy:   strategy,
		OrderID:    orderID,
		AccountID:  accountID,
		ContractID: contractID,
		Direction:  dir,
		Size:       size,
		PointValue: pointValue,
		Thresholds: th,
		Status:     StatusPendingEntry,
		OpenedAt:   t.now().UTC(),
	}
	s.active = trade
	s.reserved = false
	snapshot := *trade
	s.mu.Unlock()

	t.mu.Lock()
	t.byOrder[orderID] = strategy
	pf, replay := t.pendingFills[orderID]
	if replay {
		delete(t.pendingFills, orderID)
	}
	t.mu.Unlock()

	observ.Log("trade_pending", map[string]any{
		"strategy": strategy, "order_id": orderID, "direction": dir.String(), "size": size,
	})
	t.record(strategy, "trade_pending", orderID, map[string]any{"direction": dir.String(), "size": size})

	// A fill that beat this registration was buffered by OnFill; replay it now
	// that the order id routes to us.
	if replay && t.now().Sub(pf.seen) <= pendingFillTTL {
		t.OnFill(pf.fill)
	}
	return snapshot, nil
}

// Fill is a broker execution report routed to the tracker.
type Fill struct {
	OrderID    int
	AccountID  int
	ContractID string
	Price      float64
}

// OnFill applies a fill event. The first fill for a pending trade sets the
// entry price exactly once and opens the trade. Fills while the trade is
// closing set the exit price, realize PnL into the daily total and retire the
// trade. Duplicates and fills for retired trades are ignored.
//
// Exit fills are matched by contract when the order id is unknown, because
// the close-position endpoint submits its own order whose id we never see.
// A fill that matches nothing is buffered briefly: it may be an entry fill
// racing ahead of its trade's registration, and RegisterPendingTrade replays
// it.
func (t *Tracker) OnFill(fill Fill) {
	t.mu.RLock()
	strategy, ok := t.byOrder[fill.OrderID]
	t.mu.RUnlock()
	if !ok {
		strategy, ok = t.closingStrategyFor(fill)
	}
	if !ok {
		t.bufferFill(fill)
		return
	}
	s, ok := t.state(strategy)
	if !ok {
		return
	}
	price := fill.Price

	s.mu.Lock()
	trade := s.active
	if trade == nil || (trade.OrderID != fill.OrderID && trade.Status != StatusClosing) {
		s.mu.Unlock()
		return
	}
	orderID := trade.OrderID
	switch {
	case trade.Status == StatusPendingEntry && trade.EntryPrice == nil:
		p := price
		trade.EntryPrice = &p
		trade.Status = StatusOpen
		s.mu.Unlock()
		observ.Log("trade_open", map[string]any{
			"strategy": strategy, "order_id": orderID, "entry_price": price,
		})
		t.record(strategy, "trade_open", orderID, map[string]any{"entry_price": price})

	case trade.Status == StatusClosing && trade.EntryPrice != nil:
		p := price
		trade.ExitPrice = &p
		trade.RealizedPnL = PnL(*trade.EntryPrice, price, trade.Direction, trade.Size, trade.PointValue)
		trade.Status = StatusClosed
		trade.ClosedAt = t.now().UTC()
		s.dailyRealized += trade.RealizedPnL
		s.active = nil
		s.closeInFlight = false
		closed := *trade
		daily := s.dailyRealized
		halt := ""
		if daily >= trade.Thresholds.MaxDailyProfit {
			halt = "Max Daily Profit Hit"
		} else if daily <= trade.Thresholds.MaxDailyLoss {
			halt = "Max Daily Loss Hit"
		}
		if halt != "" {
			s.halted = true
			s.haltReason = halt
		}
		s.mu.Unlock()

		t.mu.Lock()
		delete(t.byOrder, closed.OrderID)
		t.mu.Unlock()

		observ.Log("trade_closed", map[string]any{
			"strategy": strategy, "order_id": closed.OrderID,
			"exit_price": price, "realized_pnl": closed.RealizedPnL, "daily_pnl": daily,
		})
		observ.SetGauge("daily_realized_pnl", daily, map[string]string{"strategy": strategy})
		t.record(strategy, "trade_closed", closed.OrderID, map[string]any{
			"exit_price": price, "realized_pnl": closed.RealizedPnL, "daily_pnl": daily,
		})
		if halt != "" {
			observ.Log("strategy_halted", map[string]any{"strategy": strategy, "reason": halt})
			t.record(strategy, "strategy_halted", 0, map[string]any{"reason": halt})
		}

	default:
		s.mu.Unlock()
	}
}

// closingStrategyFor matches a fill with an unknown order id against trades
// awaiting close confirmation on the same contract (and account, when known).
func (t *Tracker) closingStrategyFor(fill Fill) (string, bool) {
	t.mu.RLock()
	names := make([]string, 0, len(t.strategies))
	states := make([]*strategyState, 0, len(t.strategies))
	for name, s := range t.strategies {
		names = append(names, name)
		states = append(states, s)
	}
	t.mu.RUnlock()
	for i, s := range states {
		s.mu.Lock()
		match := s.active != nil && s.active.Status == StatusClosing &&
			s.active.ContractID == fill.ContractID &&
			(fill.AccountID == 0 || s.active.AccountID == 0 || s.active.AccountID == fill.AccountID)
		s.mu.Unlock()
		if match {
			return names[i], true
		}
	}
	return "", false
}

// bufferFill keeps an unmatched fill for a short window. Only the first fill
// per order id is kept, so a replayed entry is set from the earliest fill.
// Stale entries are pruned on the way in.
func (t *Tracker) bufferFill(fill Fill) {
	now := t.now()
	t.mu.Lock()
	for id, pf := range t.pendingFills {
		if now.Sub(pf.seen) > pendingFillTTL {
			delete(t.pendingFills, id)
		}
	}
	if _, ok := t.pendingFills[fill.OrderID]; !ok {
		t.pendingFills[fill.OrderID] = pendingFill{fill: fill, seen: now}
	}
	t.mu.Unlock()
	observ.Log("fill_buffered", map[string]any{
		"order_id": fill.OrderID, "contract": fill.ContractID, "price": fill.Price,
	})
}

// BeginClose transitions open -> closing and claims the per-trade close
// slot. Returns the trade to close, or false when there is nothing to do or
// a close is already in flight.
func (t *Tracker) BeginClose(strategy string) (Trade, bool) {
	s, ok := t.state(strategy)
	if !ok {
		return Trade{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	trade := s.active
	if trade == nil || trade.Status != StatusOpen || s.closeInFlight {
		return Trade{}, false
	}
	trade.Status = StatusClosing
	s.closeInFlight = true
	return *trade, true
}

// AbortClose reverts closing -> open after a failed close order so the next
// tick can retry.
func (t *Tracker) AbortClose(strategy string) {
	s, ok := t.state(strategy)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.active != nil && s.active.Status == StatusClosing {
		s.active.Status = StatusOpen
	}
	s.closeInFlight = false
	s.mu.Unlock()
	observ.Log("trade_close_reverted", map[string]any{"strategy": strategy})
	t.record(strategy, "trade_close_reverted", 0, nil)
}

// Halt sets the strategy's halted-for-day flag. It stays set until Rollover.
func (t *Tracker) Halt(strategy, reason string) {
	s, ok := t.state(strategy)
	if !ok {
		return
	}
	s.mu.Lock()
	already := s.halted
	s.halted = true
	s.haltReason = reason
	s.mu.Unlock()
	if !already {
		observ.Log("strategy_halted", map[string]any{"strategy": strategy, "reason": reason})
		t.record(strategy, "strategy_halted", 0, map[string]any{"reason": reason})
	}
}

// Rollover resets the halted flag and daily PnL for a new trading day.
// Triggered externally, e.g. by a scheduler.
func (t *Tracker) Rollover(strategy string) {
	s, ok := t.state(strategy)
	if !ok {
		return
	}
	s.mu.Lock()
	s.halted = false
	s.haltReason = ""
	s.dailyRealized = 0
	s.mu.Unlock()
	observ.Log("daily_rollover", map[string]any{"strategy": strategy})
	t.record(strategy, "daily_rollover", 0, nil)
}

// RolloverAll applies Rollover to every strategy.
func (t *Tracker) RolloverAll() {
	t.mu.RLock()
	names := make([]string, 0, len(t.strategies))
	for name := range t.strategies {
		names = append(names, name)
	}
	t.mu.RUnlock()
	for _, name := range names {
		t.Rollover(name)
	}
}

// EvalView is the consistent snapshot the exit engine evaluates against.
type EvalView struct {
	Trade         Trade
	DailyRealized float64
	Halted        bool
}

// View returns an evaluation snapshot for a strategy's open trade. ok is
// false when there is no trade with a confirmed entry to evaluate.
func (t *Tracker) View(strategy string) (EvalView, bool) {
	s, ok := t.state(strategy)
	if !ok {
		return EvalView{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.Status != StatusOpen || s.active.EntryPrice == nil {
		return EvalView{}, false
	}
	return EvalView{Trade: *s.active, DailyRealized: s.dailyRealized, Halted: s.halted}, true
}

// Snapshot describes one strategy's runtime state for the status surface.
type Snapshot struct {
	Strategy      string  `json:"strategy"`
	Halted        bool    `json:"halted"`
	HaltReason    string  `json:"halt_reason,omitempty"`
	DailyRealized float64 `json:"daily_realized_pnl"`
	Active        *Trade  `json:"active_trade,omitempty"`
}

func (t *Tracker) Snapshot(strategy string) (Snapshot, error) {
	s, ok := t.state(strategy)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Strategy:      strategy,
		Halted:        s.halted,
		HaltReason:    s.haltReason,
		DailyRealized: s.dailyRealized,
	}
	if s.active != nil {
		cp := *s.active
		snap.Active = &cp
	}
	return snap, nil
}

func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	names := make([]string, 0, len(t.strategies))
	for name := range t.strategies {
		names = append(names, name)
	}
	t.mu.RUnlock()
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		if snap, err := t.Snapshot(name); err == nil {
			out = append(out, snap)
		}
	}
	return out
}
