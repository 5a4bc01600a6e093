package tracker

import (
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidcm/topstepx-bot/internal/observ"
)

func TestMain(m *testing.M) {
	observ.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type memRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *memRecorder) Record(strategy, kind string, orderID int, payload map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, kind)
	r.mu.Unlock()
}

func (r *memRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

var testThresholds = Thresholds{
	MaxTradeLoss:   -350,
	MaxTradeProfit: 450,
	MaxDailyLoss:   -900,
	MaxDailyProfit: 1350,
}

func newTestTracker(t *testing.T) (*Tracker, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	trk := New(rec)
	trk.AddStrategy("alpha")
	return trk, rec
}

func openTrade(t *testing.T, trk *Tracker, strategy string, orderID int, dir Direction, entry float64) {
	t.Helper()
	require.NoError(t, trk.Reserve(strategy))
	_, err := trk.RegisterPendingTrade(strategy, orderID, 11, "CON.F.US.ENQ.M25", dir, 1, 20, testThresholds)
	require.NoError(t, err)
	trk.OnFill(Fill{OrderID: orderID, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: entry})
}

func TestPnL(t *testing.T) {
	assert.InDelta(t, 450.0, PnL(18000, 18022.5, Long, 1, 20), 1e-9)
	assert.InDelta(t, -350.0, PnL(18000, 18017.5, Short, 1, 20), 1e-9)
	assert.InDelta(t, 900.0, PnL(18000, 18022.5, Long, 2, 20), 1e-9)
	assert.InDelta(t, 0.0, PnL(18000, 18000, Long, 3, 20), 1e-9)
}

func TestParseDirection(t *testing.T) {
	dir, ok := ParseDirection("long")
	require.True(t, ok)
	assert.Equal(t, Long, dir)

	dir, ok = ParseDirection("short")
	require.True(t, ok)
	assert.Equal(t, Short, dir)

	_, ok = ParseDirection("buy")
	assert.False(t, ok)
}

func TestReserveSingleTradeSlot(t *testing.T) {
	trk, _ := newTestTracker(t)

	require.NoError(t, trk.Reserve("alpha"))
	assert.ErrorIs(t, trk.Reserve("alpha"), ErrTradeActive)

	trk.CancelReservation("alpha")
	assert.NoError(t, trk.Reserve("alpha"))
}

func TestReserveConcurrentGrantsExactlyOne(t *testing.T) {
	trk, _ := newTestTracker(t)

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if trk.Reserve("alpha") == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}

func TestReserveUnknownStrategy(t *testing.T) {
	trk, _ := newTestTracker(t)
	assert.ErrorIs(t, trk.Reserve("nope"), ErrUnknownStrategy)
}

func TestReserveWhenHalted(t *testing.T) {
	trk, _ := newTestTracker(t)
	trk.Halt("alpha", "Max Daily Loss Hit")
	assert.ErrorIs(t, trk.Reserve("alpha"), ErrHalted)

	trk.Rollover("alpha")
	assert.NoError(t, trk.Reserve("alpha"))
}

func TestEntryPriceSetExactlyOnce(t *testing.T) {
	trk, _ := newTestTracker(t)
	openTrade(t, trk, "alpha", 101, Long, 18000)

	// duplicate fill must not move the entry
	trk.OnFill(Fill{OrderID: 101, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: 19999})

	snap, err := trk.Snapshot("alpha")
	require.NoError(t, err)
	require.NotNil(t, snap.Active)
	assert.Equal(t, StatusOpen, snap.Active.Status)
	require.NotNil(t, snap.Active.EntryPrice)
	assert.Equal(t, 18000.0, *snap.Active.EntryPrice)
}

func TestFillBeforeRegistrationIsReplayed(t *testing.T) {
	trk, _ := newTestTracker(t)
	require.NoError(t, trk.Reserve("alpha"))

	// the broker's fill beats the place-order response
	trk.OnFill(Fill{OrderID: 42, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: 18000})

	_, err := trk.RegisterPendingTrade("alpha", 42, 11, "CON.F.US.ENQ.M25", Long, 1, 20, testThresholds)
	require.NoError(t, err)

	snap, err := trk.Snapshot("alpha")
	require.NoError(t, err)
	require.NotNil(t, snap.Active)
	assert.Equal(t, StatusOpen, snap.Active.Status)
	require.NotNil(t, snap.Active.EntryPrice)
	assert.Equal(t, 18000.0, *snap.Active.EntryPrice)

	// and the trade is visible to the exit engine
	view, ok := trk.View("alpha")
	require.True(t, ok)
	assert.Equal(t, 42, view.Trade.OrderID)
}

func TestEarlyFillKeepsFirstPrice(t *testing.T) {
	trk, _ := newTestTracker(t)
	require.NoError(t, trk.Reserve("alpha"))

	trk.OnFill(Fill{OrderID: 42, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: 18000})
	trk.OnFill(Fill{OrderID: 42, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: 18001})

	_, err := trk.RegisterPendingTrade("alpha", 42, 11, "CON.F.US.ENQ.M25", Long, 1, 20, testThresholds)
	require.NoError(t, err)

	snap, err := trk.Snapshot("alpha")
	require.NoError(t, err)
	require.NotNil(t, snap.Active.EntryPrice)
	assert.Equal(t, 18000.0, *snap.Active.EntryPrice)
}

func TestStaleBufferedFillNotReplayed(t *testing.T) {
	trk, _ := newTestTracker(t)
	base := time.Now()
	trk.now = func() time.Time { return base }

	require.NoError(t, trk.Reserve("alpha"))
	trk.OnFill(Fill{OrderID: 42, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: 18000})

	trk.now = func() time.Time { return base.Add(5 * time.Minute) }
	_, err := trk.RegisterPendingTrade("alpha", 42, 11, "CON.F.US.ENQ.M25", Long, 1, 20, testThresholds)
	require.NoError(t, err)

	snap, err := trk.Snapshot("alpha")
	require.NoError(t, err)
	require.NotNil(t, snap.Active)
	assert.Equal(t, StatusPendingEntry, snap.Active.Status)
	assert.Nil(t, snap.Active.EntryPrice)
}

func TestFillForUnknownOrderIgnored(t *testing.T) {
	trk, _ := newTestTracker(t)
	trk.OnFill(Fill{OrderID: 999, ContractID: "CON.F.US.ENQ.M25", Price: 18000})

	snap, err := trk.Snapshot("alpha")
	require.NoError(t, err)
	assert.Nil(t, snap.Active)
}

func TestCloseLifecycle(t *testing.T) {
	trk, rec := newTestTracker(t)
	openTrade(t, trk, "alpha", 101, Long, 18000)

	trade, ok := trk.BeginClose("alpha")
	require.True(t, ok)
	assert.Equal(t, 101, trade.OrderID)

	// second BeginClose while one is in flight must fail
	_, ok = trk.BeginClose("alpha")
	assert.False(t, ok)

	// exit fill arrives under a different order id (close endpoint's own order)
	trk.OnFill(Fill{OrderID: 555, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: 18022.5})

	snap, err := trk.Snapshot("alpha")
	require.NoError(t, err)
	assert.Nil(t, snap.Active)
	assert.InDelta(t, 450.0, snap.DailyRealized, 1e-9)
	assert.Contains(t, rec.kinds(), "trade_closed")

	// slot is free again
	assert.NoError(t, trk.Reserve("alpha"))
}

func TestAbortCloseRevertsToOpen(t *testing.T) {
	trk, _ := newTestTracker(t)
	openTrade(t, trk, "alpha", 101, Long, 18000)

	_, ok := trk.BeginClose("alpha")
	require.True(t, ok)
	trk.AbortClose("alpha")

	snap, err := trk.Snapshot("alpha")
	require.NoError(t, err)
	require.NotNil(t, snap.Active)
	assert.Equal(t, StatusOpen, snap.Active.Status)

	// retry is possible after the revert
	_, ok = trk.BeginClose("alpha")
	assert.True(t, ok)
}

func TestExitFillMatchedByContractOnlyWhileClosing(t *testing.T) {
	trk, _ := newTestTracker(t)
	openTrade(t, trk, "alpha", 101, Short, 18000)

	// open trade: a foreign-order fill on the same contract must not close it
	trk.OnFill(Fill{OrderID: 777, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: 17990})
	snap, err := trk.Snapshot("alpha")
	require.NoError(t, err)
	require.NotNil(t, snap.Active)
	assert.Equal(t, StatusOpen, snap.Active.Status)

	_, ok := trk.BeginClose("alpha")
	require.True(t, ok)

	// wrong contract while closing: still ignored
	trk.OnFill(Fill{OrderID: 778, AccountID: 11, ContractID: "CON.F.US.EP.M25", Price: 17990})
	snap, err = trk.Snapshot("alpha")
	require.NoError(t, err)
	require.NotNil(t, snap.Active)

	// matching contract closes it; short from 18000 to 17990 is +10 points
	trk.OnFill(Fill{OrderID: 779, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: 17990})
	snap, err = trk.Snapshot("alpha")
	require.NoError(t, err)
	assert.Nil(t, snap.Active)
	assert.InDelta(t, 200.0, snap.DailyRealized, 1e-9)
}

func TestDailyLossHaltsAfterRealization(t *testing.T) {
	trk, rec := newTestTracker(t)
	openTrade(t, trk, "alpha", 101, Long, 18000)

	_, ok := trk.BeginClose("alpha")
	require.True(t, ok)
	// long from 18000 to 17955 is -45 points = -$900, exactly the daily bound
	trk.OnFill(Fill{OrderID: 102, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: 17955})

	snap, err := trk.Snapshot("alpha")
	require.NoError(t, err)
	assert.True(t, snap.Halted)
	assert.Equal(t, "Max Daily Loss Hit", snap.HaltReason)
	assert.ErrorIs(t, trk.Reserve("alpha"), ErrHalted)
	assert.Contains(t, rec.kinds(), "strategy_halted")
}

func TestDailyPnLAccumulatesAcrossTrades(t *testing.T) {
	trk, _ := newTestTracker(t)

	openTrade(t, trk, "alpha", 101, Long, 18000)
	_, ok := trk.BeginClose("alpha")
	require.True(t, ok)
	trk.OnFill(Fill{OrderID: 101, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: 18010})

	openTrade(t, trk, "alpha", 201, Long, 18010)
	_, ok = trk.BeginClose("alpha")
	require.True(t, ok)
	trk.OnFill(Fill{OrderID: 201, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: 18005})

	snap, err := trk.Snapshot("alpha")
	require.NoError(t, err)
	// +200 then -100
	assert.InDelta(t, 100.0, snap.DailyRealized, 1e-9)
}

func TestViewRequiresConfirmedEntry(t *testing.T) {
	trk, _ := newTestTracker(t)

	_, ok := trk.View("alpha")
	assert.False(t, ok)

	require.NoError(t, trk.Reserve("alpha"))
	_, err := trk.RegisterPendingTrade("alpha", 101, 11, "CON.F.US.ENQ.M25", Long, 1, 20, testThresholds)
	require.NoError(t, err)

	// pending entry, no fill yet: nothing to evaluate
	_, ok = trk.View("alpha")
	assert.False(t, ok)

	trk.OnFill(Fill{OrderID: 101, AccountID: 11, ContractID: "CON.F.US.ENQ.M25", Price: 18000})
	view, ok := trk.View("alpha")
	require.True(t, ok)
	assert.Equal(t, 18000.0, *view.Trade.EntryPrice)
}

func TestRolloverAllResetsEveryStrategy(t *testing.T) {
	trk, _ := newTestTracker(t)
	trk.AddStrategy("beta")
	trk.Halt("alpha", "Max Daily Loss Hit")
	trk.Halt("beta", "Max Daily Profit Hit")

	trk.RolloverAll()

	for _, name := range []string{"alpha", "beta"} {
		snap, err := trk.Snapshot(name)
		require.NoError(t, err)
		assert.False(t, snap.Halted, name)
		assert.Zero(t, snap.DailyRealized, name)
	}
}
