package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/davidcm/topstepx-bot/internal/config"
	"github.com/davidcm/topstepx-bot/internal/gateway"
	"github.com/davidcm/topstepx-bot/internal/journal"
	"github.com/davidcm/topstepx-bot/internal/observ"
	"github.com/davidcm/topstepx-bot/internal/tracker"
)

// Alert is the inbound signal body, e.g. from a TradingView alert template.
type Alert struct {
	Signal        string   `json:"signal"`
	Ticker        string   `json:"ticker"`
	Time          string   `json:"time"`
	OrderType     string   `json:"order_type"` // market (default), limit, stop, trailing_stop
	LimitPrice    *float64 `json:"limit_price"`
	StopPrice     *float64 `json:"stop_price"`
	TrailDistance *float64 `json:"trail_distance"`
	Size          int      `json:"size"`       // optional override
	AccountID     int      `json:"account_id"` // optional override
}

// Response always rides a 200: business outcomes are status values, not HTTP
// errors. Non-200 is reserved for genuine infrastructure failure.
type Response struct {
	Status  string `json:"status"` // accepted | ignored | halted | error
	Reason  string `json:"reason,omitempty"`
	OrderID int    `json:"order_id,omitempty"`
}

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResult, error)
}

type Forcer interface {
	ForceClose(ctx context.Context, strategy string) (bool, error)
}

type EventSource interface {
	RecentEvents(n int) ([]journal.Event, error)
}

type Server struct {
	cfg       *config.Root
	tracker   *tracker.Tracker
	orders    OrderPlacer
	forcer    Forcer
	recorder  tracker.Recorder
	events    EventSource
	contracts map[string]string // strategy name -> resolved contract id

	// StreamStates reports hub connection states for the status surface.
	StreamStates func() map[string]string
}

func NewServer(cfg *config.Root, trk *tracker.Tracker, orders OrderPlacer, forcer Forcer, recorder tracker.Recorder, events EventSource, contracts map[string]string) *Server {
	return &Server{
		cfg:       cfg,
		tracker:   trk,
		orders:    orders,
		forcer:    forcer,
		recorder:  recorder,
		events:    events,
		contracts: contracts,
	}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.NewString()
		c.Set("request_id", reqID)
		c.Next()
		observ.Log("http_request", map[string]any{
			"request_id": reqID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
		observ.Observe("http_request_ms", float64(time.Since(start).Milliseconds()),
			map[string]string{"path": c.FullPath()})
	})

	r.POST("/webhook/:strategy", s.handleWebhook)
	r.POST("/force_close/:strategy", s.handleForceClose)
	r.POST("/rollover", s.handleRollover)
	r.GET("/status", s.handleStatus)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(observ.Handler()))
	return r
}

func orderTypeFor(alert Alert) (gateway.OrderType, error) {
	switch alert.OrderType {
	case "", "market":
		return gateway.TypeMarket, nil
	case "limit":
		return gateway.TypeLimit, nil
	case "stop":
		return gateway.TypeStop, nil
	case "trailing_stop":
		return gateway.TypeTrailingStop, nil
	default:
		return 0, fmt.Errorf("unsupported order type %q", alert.OrderType)
	}
}

func (s *Server) handleWebhook(c *gin.Context) {
	strategy := c.Param("strategy")
	var alert Alert
	if err := c.ShouldBindJSON(&alert); err != nil {
		c.JSON(http.StatusOK, Response{Status: "error", Reason: "invalid payload: " + err.Error()})
		return
	}
	observ.IncCounter("webhook_signals_total", map[string]string{"strategy": strategy})

	strat := s.cfg.StrategyByName(strategy)
	if strat == nil {
		s.reject(c, strategy, Response{Status: "ignored", Reason: "unknown strategy " + strategy})
		return
	}
	if alert.Ticker != strat.Symbol {
		s.reject(c, strategy, Response{Status: "ignored", Reason: "wrong ticker"})
		return
	}
	dir, ok := tracker.ParseDirection(alert.Signal)
	if !ok {
		s.reject(c, strategy, Response{Status: "ignored", Reason: "invalid signal type"})
		return
	}
	orderType, err := orderTypeFor(alert)
	if err != nil {
		s.reject(c, strategy, Response{Status: "ignored", Reason: err.Error()})
		return
	}
	contractID := s.contracts[strategy]
	if contractID == "" {
		s.reject(c, strategy, Response{Status: "error", Reason: "no contract resolved for strategy " + strategy})
		return
	}

	// Claim the single-trade slot before touching the network, so concurrent
	// signals for the same strategy cannot double-enter.
	if err := s.tracker.Reserve(strategy); err != nil {
		switch {
		case errors.Is(err, tracker.ErrHalted):
			s.reject(c, strategy, Response{Status: "halted", Reason: "daily limit reached"})
		case errors.Is(err, tracker.ErrTradeActive):
			s.reject(c, strategy, Response{Status: "ignored", Reason: "trade already active for strategy " + strategy})
		default:
			s.reject(c, strategy, Response{Status: "ignored", Reason: err.Error()})
		}
		return
	}

	size := strat.Size
	if alert.Size > 0 {
		size = alert.Size
	}
	accountID := strat.AccountID
	if alert.AccountID != 0 {
		accountID = alert.AccountID
	}
	side := gateway.SideBuy
	if dir == tracker.Short {
		side = gateway.SideSell
	}
	req := gateway.OrderRequest{
		AccountID:  accountID,
		ContractID: contractID,
		Type:       orderType,
		Side:       side,
		Size:       size,
		LimitPrice: alert.LimitPrice,
		StopPrice:  alert.StopPrice,
		TrailPrice: alert.TrailDistance,
		CustomTag:  strategy + "-" + uuid.NewString(),
	}

	// The handler suspends only for the placement round trip; the fill
	// arrives later via the user stream.
	res, err := s.orders.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		s.tracker.CancelReservation(strategy)
		observ.LogError("webhook_order_failed", err, map[string]any{"strategy": strategy})
		observ.IncCounter("webhook_order_failures_total", map[string]string{"strategy": strategy})
		s.reject(c, strategy, Response{Status: "error", Reason: "order placement failed: " + err.Error()})
		return
	}

	th := tracker.Thresholds{
		MaxTradeLoss:   strat.MaxTradeLoss,
		MaxTradeProfit: strat.MaxTradeProfit,
		MaxDailyLoss:   strat.MaxDailyLoss,
		MaxDailyProfit: strat.MaxDailyProfit,
	}
	pointValue := s.cfg.PointValues[strat.Symbol]
	if _, err := s.tracker.RegisterPendingTrade(strategy, res.OrderID, accountID, contractID, dir, size, pointValue, th); err != nil {
		// Cannot happen while we hold the reservation; surface it anyway.
		observ.LogError("webhook_register_failed", err, map[string]any{"strategy": strategy, "order_id": res.OrderID})
		s.reject(c, strategy, Response{Status: "error", Reason: err.Error()})
		return
	}
	if s.recorder != nil {
		s.recorder.Record(strategy, "webhook_accepted", res.OrderID, map[string]any{
			"signal": alert.Signal, "ticker": alert.Ticker, "size": size,
		})
	}
	c.JSON(http.StatusOK, Response{Status: "accepted", OrderID: res.OrderID})
}

// reject writes a guard-outcome response and journals it. These are normal
// control flow, not errors.
func (s *Server) reject(c *gin.Context, strategy string, resp Response) {
	observ.Log("webhook_rejected", map[string]any{
		"strategy": strategy, "status": resp.Status, "reason": resp.Reason,
	})
	observ.IncCounter("webhook_rejections_total", map[string]string{"strategy": strategy, "status": resp.Status})
	if s.recorder != nil {
		s.recorder.Record(strategy, "webhook_"+resp.Status, 0, map[string]any{"reason": resp.Reason})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleForceClose(c *gin.Context) {
	strategy := c.Param("strategy")
	closed, err := s.forcer.ForceClose(c.Request.Context(), strategy)
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{Status: "error", Reason: err.Error()})
		return
	}
	if !closed {
		c.JSON(http.StatusOK, Response{Status: "ignored", Reason: "no active trade"})
		return
	}
	c.JSON(http.StatusOK, Response{Status: "accepted", Reason: "close request sent"})
}

// handleRollover resets halted flags and daily PnL, the external new-trading-
// day trigger. A cron job or the operator calls it.
func (s *Server) handleRollover(c *gin.Context) {
	s.tracker.RolloverAll()
	c.JSON(http.StatusOK, Response{Status: "accepted", Reason: "daily state reset"})
}

func (s *Server) handleStatus(c *gin.Context) {
	body := gin.H{"strategies": s.tracker.Snapshots()}
	if s.StreamStates != nil {
		body["streams"] = s.StreamStates()
	}
	if s.events != nil {
		if evs, err := s.events.RecentEvents(20); err == nil {
			body["recent_events"] = evs
		}
	}
	c.JSON(http.StatusOK, body)
}
