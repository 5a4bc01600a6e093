package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/davidcm/topstepx-bot/internal/gateway"
	"github.com/davidcm/topstepx-bot/internal/observ"
)

// TokenSource supplies fresh bearer tokens for the hub handshake. The gateway
// client satisfies it.
type TokenSource interface {
	ValidToken(ctx context.Context) (string, error)
	InvalidateToken()
}

type Config struct {
	RTCBaseURL       string
	MaxReconnects    int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BackoffJitter    time.Duration
	DispatchBuffer   int
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.RTCBaseURL == "" {
		c.RTCBaseURL = "wss://rtc.topstepx.com/hubs"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 5
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffJitter == 0 {
		c.BackoffJitter = 250 * time.Millisecond
	}
	if c.DispatchBuffer == 0 {
		c.DispatchBuffer = 1024
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
}

var errUnauthorized = errors.New("hub rejected token")

type invocation struct {
	target string
	args   []json.RawMessage
}

// hubClient owns one auto-reconnecting SignalR hub connection. Invocations
// are handed off to a single dispatcher goroutine through a bounded queue so
// a slow consumer can never starve the read loop's keep-alive.
type hubClient struct {
	hub     string
	cfg     Config
	tokens  TokenSource
	onState func(ConnectionState)

	// handlers are registered before Start and never mutated after.
	handlers    map[string]func([]json.RawMessage)
	onConnected func()

	mu        sync.Mutex
	stateCond *sync.Cond // broadcast on every settled state change
	state     ConnectionState
	conn      *websocket.Conn
	cancel    context.CancelFunc
	dispatch  chan invocation

	wg      sync.WaitGroup
	writeMu sync.Mutex
}

func newHubClient(hub string, cfg Config, tokens TokenSource, onState func(ConnectionState)) *hubClient {
	cfg.applyDefaults()
	c := &hubClient{
		hub:      hub,
		cfg:      cfg,
		tokens:   tokens,
		onState:  onState,
		handlers: map[string]func([]json.RawMessage){},
	}
	c.stateCond = sync.NewCond(&c.mu)
	return c
}

func (c *hubClient) on(target string, h func([]json.RawMessage)) {
	c.handlers[target] = h
}

func (c *hubClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *hubClient) setState(s ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.onState
	c.stateCond.Broadcast()
	c.mu.Unlock()
	observ.Log("stream_state", map[string]any{"hub": c.hub, "state": s.String()})
	observ.SetGauge("stream_connected", boolGauge(s == StateConnected), map[string]string{"hub": c.hub})
	if cb != nil {
		cb(s)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Start connects the hub. Idempotent: a nil return always means Connected
// was observed. A caller arriving while another attempt is in flight waits
// for that attempt to settle and shares its outcome. The initial dial runs
// synchronously; reconnects happen in the background.
func (c *hubClient) Start(ctx context.Context) error {
	c.mu.Lock()
	waited := false
	for c.state == StateConnecting || c.state == StateReconnecting || c.state == StateStopping {
		waited = true
		c.stateCond.Wait()
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if waited && c.state == StateFailed {
		c.mu.Unlock()
		return fmt.Errorf("connect %s hub: concurrent attempt failed", c.hub)
	}
	c.state = StateConnecting
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.dispatch = make(chan invocation, c.cfg.DispatchBuffer)
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(StateConnecting)
	}

	conn, err := c.dialWithAuth(ctx)
	if err != nil {
		cancel()
		c.setState(StateFailed)
		return fmt.Errorf("connect %s hub: %w", c.hub, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.dispatchLoop(runCtx)
	go c.runLoop(runCtx, conn)
	if c.onConnected != nil {
		c.onConnected()
	}
	return nil
}

// Stop tears the connection down. Idempotent; in-flight callbacks finish
// before it returns.
func (c *hubClient) Stop() {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateStopping {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	cancel := c.cancel
	conn := c.conn
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(StateStopping)
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.setState(StateDisconnected)
}

// dialWithAuth performs one dial, retrying exactly once with a fresh token
// when the hub rejects the current one.
func (c *hubClient) dialWithAuth(ctx context.Context) (*websocket.Conn, error) {
	conn, err := c.dialOnce(ctx)
	if errors.Is(err, errUnauthorized) {
		c.tokens.InvalidateToken()
		observ.IncCounter("stream_reauth_total", map[string]string{"hub": c.hub})
		conn, err = c.dialOnce(ctx)
	}
	return conn, err
}

func (c *hubClient) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.tokens.ValidToken(ctx)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/%s?access_token=%s", c.cfg.RTCBaseURL, c.hub, token)
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errUnauthorized
		}
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, handshakeRequest); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(deadline)
	_, payload, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, err
	}
	records := splitRecords(payload)
	if len(records) == 0 {
		conn.Close()
		return nil, errors.New("empty handshake response")
	}
	if err := checkHandshakeResponse(records[0]); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	// The handshake payload can already carry real records behind it.
	for _, r := range records[1:] {
		c.handleRecord(r)
	}
	return conn, nil
}

func (c *hubClient) runLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.readPump(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.setState(StateReconnecting)
		next, ok := c.reconnect(ctx)
		if !ok {
			if ctx.Err() == nil {
				c.setState(StateFailed)
			}
			return
		}
		conn = next
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)
		if c.onConnected != nil {
			c.onConnected()
		}
	}
}

// reconnect retries the dial with capped exponential backoff plus jitter.
// Bounded by attempt count, not time: false means give up (Failed unless the
// context was cancelled). Auth refusals after a token refresh are
// unrecoverable and stop the retry loop early.
func (c *hubClient) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	backoff := c.cfg.BackoffBase
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		jitter := time.Duration(rand.Int63n(int64(c.cfg.BackoffJitter) + 1))
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff + jitter):
		}
		conn, err := c.dialWithAuth(ctx)
		if err == nil {
			observ.IncCounter("stream_reconnects_total", map[string]string{"hub": c.hub})
			return conn, true
		}
		var authErr *gateway.AuthenticationError
		if errors.As(err, &authErr) || errors.Is(err, errUnauthorized) {
			observ.LogError("stream_auth_failed", err, map[string]any{"hub": c.hub})
			return nil, false
		}
		observ.LogError("stream_reconnect_failed", err, map[string]any{
			"hub": c.hub, "attempt": attempt, "max": c.cfg.MaxReconnects,
		})
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
	return nil, false
}

func (c *hubClient) readPump(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := conn.WriteMessage(websocket.TextMessage, pingFrame)
				c.writeMu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				observ.LogError("stream_read_error", err, map[string]any{"hub": c.hub})
			}
			return
		}
		for _, r := range splitRecords(payload) {
			c.handleRecord(r)
		}
	}
}

func (c *hubClient) handleRecord(record []byte) {
	var msg hubMessage
	if err := json.Unmarshal(record, &msg); err != nil {
		observ.LogError("stream_malformed_record", err, map[string]any{"hub": c.hub, "record": string(record)})
		return
	}
	switch msg.Type {
	case msgInvocation:
		select {
		case c.dispatch <- invocation{target: msg.Target, args: msg.Arguments}:
		default:
			observ.IncCounter("stream_dispatch_dropped_total", map[string]string{"hub": c.hub, "target": msg.Target})
		}
	case msgPing:
		// server keep-alive, nothing to do
	case msgClose:
		observ.Log("stream_server_close", map[string]any{"hub": c.hub, "error": msg.Error})
	}
}

func (c *hubClient) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case inv := <-c.dispatch:
			if h, ok := c.handlers[inv.target]; ok {
				h(inv.args)
			}
		}
	}
}

// send writes one fire-and-forget invocation frame.
func (c *hubClient) send(target string, args ...any) error {
	frame, err := encodeInvocation(target, args...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("%s hub not connected", c.hub)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}
