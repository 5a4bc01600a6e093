package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davidcm/topstepx-bot/internal/config"
	"github.com/davidcm/topstepx-bot/internal/gateway"
	"github.com/davidcm/topstepx-bot/internal/guard"
	"github.com/davidcm/topstepx-bot/internal/journal"
	"github.com/davidcm/topstepx-bot/internal/observ"
	"github.com/davidcm/topstepx-bot/internal/stream"
	"github.com/davidcm/topstepx-bot/internal/tracker"
	"github.com/davidcm/topstepx-bot/internal/webhook"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		observ.LogError("fatal", err, nil)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observ.Log("starting", map[string]any{
		"config": configPath, "strategies": len(cfg.Strategies), "listen": cfg.Webhook.ListenAddr,
	})

	client := gateway.New(gateway.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		Username:   cfg.Gateway.Username,
		APIKey:     cfg.Gateway.APIKey,
		AccountID:  cfg.Gateway.AccountID,
		TimeoutMs:  cfg.Gateway.TimeoutMs,
		RatePerSec: cfg.Gateway.RatePerSec,
	})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	contracts, err := resolveContracts(ctx, client, &cfg)
	if err != nil {
		return err
	}

	jnl, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	trk := tracker.New(jnl)
	engine := guard.New(trk, client, jnl)
	for _, s := range cfg.Strategies {
		trk.AddStrategy(s.Name)
		engine.AddStrategy(s.Name, contracts[s.Name])
	}
	engine.Start()
	defer engine.Stop()

	streamCfg := stream.Config{
		RTCBaseURL:       cfg.Stream.RTCBaseURL,
		MaxReconnects:    cfg.Stream.MaxReconnects,
		BackoffBase:      time.Duration(cfg.Stream.BackoffBaseMs) * time.Millisecond,
		BackoffMax:       time.Duration(cfg.Stream.BackoffMaxMs) * time.Millisecond,
		BackoffJitter:    time.Duration(cfg.Stream.BackoffJitterMs) * time.Millisecond,
		DispatchBuffer:   cfg.Stream.DispatchBuffer,
		HandshakeTimeout: time.Duration(cfg.Stream.HandshakeTimeoutS) * time.Second,
	}

	market := stream.NewMarketStream(streamCfg, client, nil)
	market.OnQuote(func(contractID string, quotes []stream.Quote) {
		for _, q := range quotes {
			if q.LastPrice == 0 {
				continue
			}
			engine.OnTick(guard.Tick{ContractID: contractID, Price: q.LastPrice, Time: q.Timestamp})
		}
	})
	user := stream.NewUserStream(streamCfg, client, nil)
	user.OnTrade(func(trades []stream.UserTrade) {
		for _, t := range trades {
			if t.Voided {
				continue
			}
			trk.OnFill(tracker.Fill{
				OrderID:    t.OrderID,
				AccountID:  t.AccountID,
				ContractID: t.ContractID,
				Price:      t.Price,
			})
		}
	})

	if err := user.Start(ctx); err != nil {
		return fmt.Errorf("user stream: %w", err)
	}
	defer user.Stop()
	if err := market.Start(ctx); err != nil {
		return fmt.Errorf("market stream: %w", err)
	}
	defer market.Stop()
	for _, id := range contracts {
		market.Subscribe(id)
	}

	srv := webhook.NewServer(&cfg, trk, client, engine, jnl, jnl, contracts)
	srv.StreamStates = func() map[string]string {
		return map[string]string{
			"market": market.State().String(),
			"user":   user.State().String(),
		}
	}
	httpSrv := &http.Server{Addr: cfg.Webhook.ListenAddr, Handler: srv.Router()}
	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	observ.Log("ready", map[string]any{"listen": cfg.Webhook.ListenAddr, "contracts": contracts})

	select {
	case <-ctx.Done():
		observ.Log("shutting_down", map[string]any{"reason": "signal"})
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// resolveContracts maps each strategy to its tradable contract id at startup.
// The active contract for the symbol wins; otherwise the first match.
func resolveContracts(ctx context.Context, client *gateway.Client, cfg *config.Root) (map[string]string, error) {
	bySymbol := map[string]string{}
	out := map[string]string{}
	for _, s := range cfg.Strategies {
		if id, ok := bySymbol[s.Symbol]; ok {
			out[s.Name] = id
			continue
		}
		results, err := client.SearchContracts(ctx, s.Symbol, false)
		if err != nil {
			return nil, fmt.Errorf("resolve contract for %s: %w", s.Symbol, err)
		}
		if len(results) == 0 {
			return nil, fmt.Errorf("no contract found for symbol %q", s.Symbol)
		}
		chosen := results[0]
		for _, c := range results {
			if c.ActiveContract {
				chosen = c
				break
			}
		}
		bySymbol[s.Symbol] = chosen.ID
		out[s.Name] = chosen.ID
		observ.Log("contract_resolved", map[string]any{
			"symbol": s.Symbol, "contract": chosen.ID, "name": chosen.Name,
		})
	}
	return out, nil
}
