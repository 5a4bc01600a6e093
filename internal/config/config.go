package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Strategy is one named trading configuration. Thresholds are in account
// currency; the loss bounds are negative numbers. A strategy runs at most one
// trade at a time.
type Strategy struct {
	Name           string  `yaml:"name"`
	Symbol         string  `yaml:"symbol"` // e.g. "NQ", "ES"
	Size           int     `yaml:"size"`
	AccountID      int     `yaml:"account_id"` // 0 = use gateway default
	MaxTradeLoss   float64 `yaml:"max_trade_loss"`
	MaxTradeProfit float64 `yaml:"max_trade_profit"`
	MaxDailyLoss   float64 `yaml:"max_daily_loss"`
	MaxDailyProfit float64 `yaml:"max_daily_profit"`
}

type Gateway struct {
	BaseURL    string  `yaml:"base_url"`
	Username   string  `yaml:"username"` // overridden by TOPSTEP_USERNAME
	APIKey     string  `yaml:"api_key"`  // overridden by TOPSTEP_API_KEY
	AccountID  int     `yaml:"account_id"`
	TimeoutMs  int     `yaml:"timeout_ms"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

type Stream struct {
	RTCBaseURL        string `yaml:"rtc_base_url"`
	MaxReconnects     int    `yaml:"max_reconnect_attempts"`
	BackoffBaseMs     int    `yaml:"backoff_base_ms"`
	BackoffMaxMs      int    `yaml:"backoff_max_ms"`
	BackoffJitterMs   int    `yaml:"backoff_jitter_ms"`
	DispatchBuffer    int    `yaml:"dispatch_buffer"`
	HandshakeTimeoutS int    `yaml:"handshake_timeout_seconds"`
}

type Webhook struct {
	ListenAddr string `yaml:"listen_addr"`
}

type Journal struct {
	Path string `yaml:"path"`
}

type Root struct {
	Gateway     Gateway            `yaml:"gateway"`
	Stream      Stream             `yaml:"stream"`
	Webhook     Webhook            `yaml:"webhook"`
	Journal     Journal            `yaml:"journal"`
	Strategies  []Strategy         `yaml:"strategies"`
	PointValues map[string]float64 `yaml:"point_values"` // symbol -> currency per 1.0 price move
}

// Load reads the yaml config, applies defaults, overlays credentials from the
// environment (.env is honored when present), and validates the result.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Root) applyDefaults() {
	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = "https://api.topstepx.com"
	}
	if c.Gateway.TimeoutMs == 0 {
		c.Gateway.TimeoutMs = 10000
	}
	if c.Gateway.RatePerSec == 0 {
		c.Gateway.RatePerSec = 4
	}
	if c.Stream.RTCBaseURL == "" {
		c.Stream.RTCBaseURL = "wss://rtc.topstepx.com/hubs"
	}
	if c.Stream.MaxReconnects == 0 {
		c.Stream.MaxReconnects = 5
	}
	if c.Stream.BackoffBaseMs == 0 {
		c.Stream.BackoffBaseMs = 500
	}
	if c.Stream.BackoffMaxMs == 0 {
		c.Stream.BackoffMaxMs = 30000
	}
	if c.Stream.BackoffJitterMs == 0 {
		c.Stream.BackoffJitterMs = 250
	}
	if c.Stream.DispatchBuffer == 0 {
		c.Stream.DispatchBuffer = 1024
	}
	if c.Stream.HandshakeTimeoutS == 0 {
		c.Stream.HandshakeTimeoutS = 15
	}
	if c.Webhook.ListenAddr == "" {
		c.Webhook.ListenAddr = ":8080"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/journal.db"
	}
	if c.PointValues == nil {
		c.PointValues = map[string]float64{}
	}
}

// applyEnv overlays credentials from the environment so secrets stay out of
// the config file. A local .env file is loaded first when present.
func (c *Root) applyEnv() {
	_ = godotenv.Load()
	if v := os.Getenv("TOPSTEP_USERNAME"); v != "" {
		c.Gateway.Username = v
	}
	if v := os.Getenv("TOPSTEP_API_KEY"); v != "" {
		c.Gateway.APIKey = v
	}
	if v := os.Getenv("TOPSTEP_ACCOUNT_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Gateway.AccountID = id
		}
	}
}

func (c *Root) Validate() error {
	seen := map[string]bool{}
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.Name == "" {
			return fmt.Errorf("strategy %d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("strategy %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if s.Symbol == "" {
			return fmt.Errorf("strategy %q: symbol is required", s.Name)
		}
		if s.Size <= 0 {
			return fmt.Errorf("strategy %q: size must be positive, got %d", s.Name, s.Size)
		}
		if s.MaxTradeLoss >= 0 {
			return fmt.Errorf("strategy %q: max_trade_loss must be negative, got %v", s.Name, s.MaxTradeLoss)
		}
		if s.MaxDailyLoss >= 0 {
			return fmt.Errorf("strategy %q: max_daily_loss must be negative, got %v", s.Name, s.MaxDailyLoss)
		}
		if s.MaxTradeProfit <= 0 {
			return fmt.Errorf("strategy %q: max_trade_profit must be positive, got %v", s.Name, s.MaxTradeProfit)
		}
		if s.MaxDailyProfit <= 0 {
			return fmt.Errorf("strategy %q: max_daily_profit must be positive, got %v", s.Name, s.MaxDailyProfit)
		}
		if _, ok := c.PointValues[s.Symbol]; !ok {
			return fmt.Errorf("strategy %q: no point value configured for symbol %q", s.Name, s.Symbol)
		}
	}
	return nil
}

// StrategyByName returns the named strategy config, or nil.
func (c *Root) StrategyByName(name string) *Strategy {
	for i := range c.Strategies {
		if c.Strategies[i].Name == name {
			return &c.Strategies[i]
		}
	}
	return nil
}
