package guard

import (
	"context"
	"sync"
	"time"

	"github.com/davidcm/topstepx-bot/internal/observ"
	"github.com/davidcm/topstepx-bot/internal/tracker"
)

// Close reasons, also written to the journal.
const (
	ReasonTradeProfit = "Max Trade Profit Hit"
	ReasonTradeLoss   = "Max Trade Loss Hit"
	ReasonDailyProfit = "Max Daily Profit Hit"
	ReasonDailyLoss   = "Max Daily Loss Hit"
)

// Tick is one genuine mark price observation. The engine never fabricates
// prices: no tick, no evaluation.
type Tick struct {
	ContractID string
	Price      float64
	Time       time.Time
}

type Decision struct {
	Close      bool
	Halt       bool
	Reason     string
	Unrealized float64
}

// Decide computes unrealized PnL for an open trade against a mark price and
// says whether it must be closed. Thresholds are inclusive: a PnL exactly on
// the bound triggers. Daily bounds also halt the strategy for the day.
func Decide(view tracker.EvalView, mark float64) Decision {
	trade := view.Trade
	unrealized := tracker.PnL(*trade.EntryPrice, mark, trade.Direction, trade.Size, trade.PointValue)
	d := Decision{Unrealized: unrealized}
	th := trade.Thresholds

	effectiveDaily := view.DailyRealized + unrealized
	switch {
	case effectiveDaily >= th.MaxDailyProfit:
		d.Close, d.Halt, d.Reason = true, true, ReasonDailyProfit
	case effectiveDaily <= th.MaxDailyLoss:
		d.Close, d.Halt, d.Reason = true, true, ReasonDailyLoss
	case unrealized >= th.MaxTradeProfit:
		d.Close, d.Reason = true, ReasonTradeProfit
	case unrealized <= th.MaxTradeLoss:
		d.Close, d.Reason = true, ReasonTradeLoss
	}
	return d
}

// Closer submits the closing order; the gateway client satisfies it.
type Closer interface {
	ClosePosition(ctx context.Context, accountID int, contractID string) error
}

// Engine runs one coordinator goroutine per strategy, fed by a latest-wins
// tick slot. Overlapping evaluations for a strategy are impossible by
// construction, and a slow close call never blocks the stream callback.
type Engine struct {
	tracker      *tracker.Tracker
	closer       Closer
	recorder     tracker.Recorder
	closeTimeout time.Duration

	mu         sync.Mutex
	queues     map[string]chan Tick
	byContract map[string][]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(trk *tracker.Tracker, closer Closer, recorder tracker.Recorder) *Engine {
	return &Engine{
		tracker:      trk,
		closer:       closer,
		recorder:     recorder,
		closeTimeout: 10 * time.Second,
		queues:       map[string]chan Tick{},
		byContract:   map[string][]string{},
	}
}

// AddStrategy binds a strategy to the contract whose ticks drive it.
// Call before Start.
func (e *Engine) AddStrategy(name, contractID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.queues[name]; ok {
		return
	}
	e.queues[name] = make(chan Tick, 1)
	e.byContract[contractID] = append(e.byContract[contractID], name)
}

func (e *Engine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, q := range e.queues {
		e.wg.Add(1)
		go e.coordinate(name, q)
	}
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// OnTick fans a mark price out to every strategy trading that contract.
// Enqueueing is latest-wins and never blocks the caller: a stale tick is
// replaced, not queued behind.
func (e *Engine) OnTick(tick Tick) {
	e.mu.Lock()
	names := e.byContract[tick.ContractID]
	e.mu.Unlock()
	for _, name := range names {
		e.mu.Lock()
		q := e.queues[name]
		e.mu.Unlock()
		select {
		case q <- tick:
		default:
			select {
			case <-q:
			default:
			}
			select {
			case q <- tick:
			default:
			}
		}
	}
}

func (e *Engine) coordinate(name string, q chan Tick) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case tick := <-q:
			e.evaluate(name, tick)
		}
	}
}

func (e *Engine) evaluate(name string, tick Tick) {
	view, ok := e.tracker.View(name)
	if !ok || view.Trade.ContractID != tick.ContractID {
		return
	}
	d := Decide(view, tick.Price)
	observ.SetGauge("unrealized_pnl", d.Unrealized, map[string]string{"strategy": name})
	if d.Halt {
		// Halting first blocks new entries even if the close below fails.
		e.tracker.Halt(name, d.Reason)
	}
	if !d.Close {
		return
	}
	e.close(name, tick, d)
}

// ForceClose manually closes a strategy's open trade, bypassing thresholds.
// Used by the force-close endpoint. Returns false when there was nothing to
// close or a close was already in flight.
func (e *Engine) ForceClose(ctx context.Context, name string) (bool, error) {
	trade, ok := e.tracker.BeginClose(name)
	if !ok {
		return false, nil
	}
	observ.Log("trade_close_triggered", map[string]any{
		"strategy": name, "order_id": trade.OrderID, "reason": "Force Close",
	})
	if e.recorder != nil {
		e.recorder.Record(name, "trade_close_triggered", trade.OrderID, map[string]any{"reason": "Force Close"})
	}
	cctx, cancel := context.WithTimeout(ctx, e.closeTimeout)
	defer cancel()
	if err := e.closer.ClosePosition(cctx, trade.AccountID, trade.ContractID); err != nil {
		observ.LogError("trade_close_failed", err, map[string]any{
			"strategy": name, "order_id": trade.OrderID, "contract": trade.ContractID,
		})
		e.tracker.AbortClose(name)
		return false, err
	}
	observ.IncCounter("trade_closes_total", map[string]string{"strategy": name, "reason": "force_close"})
	return true, nil
}

// close transitions the trade to closing and submits the close order. On
// rejection the status reverts to open so the next tick retries; BeginClose
// guarantees at most one close in flight per trade.
func (e *Engine) close(name string, tick Tick, d Decision) {
	trade, ok := e.tracker.BeginClose(name)
	if !ok {
		return
	}
	observ.Log("trade_close_triggered", map[string]any{
		"strategy": name, "order_id": trade.OrderID, "reason": d.Reason,
		"unrealized_pnl": d.Unrealized, "mark": tick.Price,
	})
	if e.recorder != nil {
		e.recorder.Record(name, "trade_close_triggered", trade.OrderID, map[string]any{
			"reason": d.Reason, "unrealized_pnl": d.Unrealized, "mark": tick.Price,
		})
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.closeTimeout)
	defer cancel()
	if err := e.closer.ClosePosition(ctx, trade.AccountID, trade.ContractID); err != nil {
		observ.LogError("trade_close_failed", err, map[string]any{
			"strategy": name, "order_id": trade.OrderID, "contract": trade.ContractID,
		})
		observ.IncCounter("trade_close_failures_total", map[string]string{"strategy": name})
		e.tracker.AbortClose(name)
		return
	}
	observ.IncCounter("trade_closes_total", map[string]string{"strategy": name, "reason": d.Reason})
}
