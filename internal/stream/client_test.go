package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidcm/topstepx-bot/internal/observ"
)

func TestMain(m *testing.M) {
	observ.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type staticTokens struct {
	mu          sync.Mutex
	token       string
	invalidated int
}

func (s *staticTokens) ValidToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *staticTokens) InvalidateToken() {
	s.mu.Lock()
	s.invalidated++
	s.mu.Unlock()
}

// fakeHub is a minimal SignalR endpoint: it answers the handshake and records
// every invocation it receives, tagged with the connection it arrived on.
type fakeHub struct {
	srv *httptest.Server

	mu      sync.Mutex
	conns   []*websocket.Conn
	invokes []hubInvoke
}

type hubInvoke struct {
	conn   int
	target string
	arg    string
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil { // handshake request
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, append([]byte(`{}`), recordSeparator)); err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		idx := len(h.conns) - 1
		h.mu.Unlock()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, rec := range splitRecords(payload) {
				var msg hubMessage
				if json.Unmarshal(rec, &msg) != nil || msg.Type != msgInvocation {
					continue
				}
				arg := ""
				if len(msg.Arguments) > 0 {
					json.Unmarshal(msg.Arguments[0], &arg)
				}
				h.mu.Lock()
				h.invokes = append(h.invokes, hubInvoke{conn: idx, target: msg.Target, arg: arg})
				h.mu.Unlock()
			}
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *fakeHub) config() Config {
	return Config{
		RTCBaseURL:       h.url(),
		MaxReconnects:    3,
		BackoffBase:      10 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
		BackoffJitter:    time.Millisecond,
		DispatchBuffer:   64,
		HandshakeTimeout: 2 * time.Second,
	}
}

func (h *fakeHub) invokesOn(conn int) []hubInvoke {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hubInvoke
	for _, inv := range h.invokes {
		if inv.conn == conn {
			out = append(out, inv)
		}
	}
	return out
}

func (h *fakeHub) dropConn(t *testing.T, idx int) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.conns) > idx
	}, 2*time.Second, 10*time.Millisecond)
	h.mu.Lock()
	conn := h.conns[idx]
	h.mu.Unlock()
	conn.Close()
}

func (h *fakeHub) connCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *fakeHub) push(t *testing.T, conn int, frame []byte) {
	t.Helper()
	h.mu.Lock()
	c := h.conns[conn]
	h.mu.Unlock()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))
}

func TestMarketStreamConnectAndSubscribe(t *testing.T) {
	hub := newFakeHub(t)
	m := NewMarketStream(hub.config(), &staticTokens{token: "tok"}, nil)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	assert.Equal(t, StateConnected, m.State())

	m.Subscribe("CON.F.US.ENQ.M25")
	require.Eventually(t, func() bool {
		return len(hub.invokesOn(0)) == 3
	}, 2*time.Second, 10*time.Millisecond)

	targets := map[string]bool{}
	for _, inv := range hub.invokesOn(0) {
		targets[inv.target] = true
		assert.Equal(t, "CON.F.US.ENQ.M25", inv.arg)
	}
	assert.True(t, targets["SubscribeContractQuotes"])
	assert.True(t, targets["SubscribeContractTrades"])
	assert.True(t, targets["SubscribeContractMarketDepth"])

	// duplicate subscribe is a no-op
	m.Subscribe("CON.F.US.ENQ.M25")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, hub.invokesOn(0), 3)
}

func TestMarketStreamResubscribesOncePerReconnect(t *testing.T) {
	hub := newFakeHub(t)
	m := NewMarketStream(hub.config(), &staticTokens{token: "tok"}, nil)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	m.Subscribe("CON.F.US.ENQ.M25")
	m.Subscribe("CON.F.US.EP.M25")
	require.Eventually(t, func() bool {
		return len(hub.invokesOn(0)) == 6
	}, 2*time.Second, 10*time.Millisecond)

	hub.dropConn(t, 0)
	require.Eventually(t, func() bool {
		return hub.connCount() == 2 && m.State() == StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	// the whole set is re-issued exactly once on the new connection
	require.Eventually(t, func() bool {
		return len(hub.invokesOn(1)) == 6
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, hub.invokesOn(1), 6)

	perContract := map[string]int{}
	for _, inv := range hub.invokesOn(1) {
		if inv.target == "SubscribeContractQuotes" {
			perContract[inv.arg]++
		}
	}
	assert.Equal(t, map[string]int{"CON.F.US.ENQ.M25": 1, "CON.F.US.EP.M25": 1}, perContract)
}

func TestUnsubscribeSendsAllTargets(t *testing.T) {
	hub := newFakeHub(t)
	m := NewMarketStream(hub.config(), &staticTokens{token: "tok"}, nil)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	m.Subscribe("CON.F.US.ENQ.M25")
	require.Eventually(t, func() bool {
		return len(hub.invokesOn(0)) == 3
	}, 2*time.Second, 10*time.Millisecond)

	m.Unsubscribe("CON.F.US.ENQ.M25")
	require.Eventually(t, func() bool {
		return len(hub.invokesOn(0)) == 6
	}, 2*time.Second, 10*time.Millisecond)

	targets := map[string]bool{}
	for _, inv := range hub.invokesOn(0)[3:] {
		targets[inv.target] = true
	}
	assert.True(t, targets["UnsubscribeContractQuotes"])
	assert.True(t, targets["UnsubscribeContractTrades"])
	assert.True(t, targets["UnsubscribeContractMarketDepth"])
	assert.Empty(t, m.Subscriptions())

	// unsubscribing an untracked contract is a no-op
	m.Unsubscribe("CON.F.US.ENQ.M25")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, hub.invokesOn(0), 6)
}

func TestUnsubscribeSurvivesTransportFailure(t *testing.T) {
	hub := newFakeHub(t)
	cfg := hub.config()
	cfg.BackoffBase = 300 * time.Millisecond // keep the reconnect out of the way
	m := NewMarketStream(cfg, &staticTokens{token: "tok"}, nil)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	m.Subscribe("CON.F.US.ENQ.M25")
	m.Subscribe("CON.F.US.EP.M25")
	require.Eventually(t, func() bool {
		return len(hub.invokesOn(0)) == 6
	}, 2*time.Second, 10*time.Millisecond)

	// sever the transport out from under the client, then unsubscribe while
	// the sends can only fail
	m.hubClient.mu.Lock()
	conn := m.hubClient.conn
	m.hubClient.mu.Unlock()
	conn.Close()
	m.Unsubscribe("CON.F.US.EP.M25")
	assert.NotContains(t, m.Subscriptions(), "CON.F.US.EP.M25")

	// the reconnect re-issues only what the set still holds
	require.Eventually(t, func() bool {
		return hub.connCount() == 2 && m.State() == StateConnected
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(hub.invokesOn(1)) == 3
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	for _, inv := range hub.invokesOn(1) {
		assert.Equal(t, "CON.F.US.ENQ.M25", inv.arg)
	}
}

func TestMarketStreamDeliversQuotes(t *testing.T) {
	hub := newFakeHub(t)
	m := NewMarketStream(hub.config(), &staticTokens{token: "tok"}, nil)

	quotes := make(chan Quote, 1)
	m.OnQuote(func(contractID string, qs []Quote) {
		for _, q := range qs {
			quotes <- q
		}
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	frame := append([]byte(`{"type":1,"target":"GatewayQuote","arguments":["CON.F.US.ENQ.M25",{"lastPrice":18000.25}]}`), recordSeparator)
	hub.push(t, 0, frame)

	select {
	case q := <-quotes:
		assert.Equal(t, 18000.25, q.LastPrice)
	case <-time.After(2 * time.Second):
		t.Fatal("quote never delivered")
	}
}

func TestUserStreamDeliversFills(t *testing.T) {
	hub := newFakeHub(t)
	u := NewUserStream(hub.config(), &staticTokens{token: "tok"}, nil)

	fills := make(chan UserTrade, 1)
	u.OnTrade(func(trades []UserTrade) {
		for _, tr := range trades {
			fills <- tr
		}
	})
	require.NoError(t, u.Start(context.Background()))
	defer u.Stop()

	frame := append([]byte(`{"type":1,"target":"GatewayUserTrade","arguments":[[{"orderId":4242,"price":18000.5,"contractId":"CON.F.US.ENQ.M25","accountId":11}]]}`), recordSeparator)
	hub.push(t, 0, frame)

	select {
	case tr := <-fills:
		assert.Equal(t, 4242, tr.OrderID)
		assert.Equal(t, 18000.5, tr.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("fill never delivered")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	hub := newFakeHub(t)
	m := NewMarketStream(hub.config(), &staticTokens{token: "tok"}, nil)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 1, hub.connCount())
}

func TestConcurrentStartObservesConnected(t *testing.T) {
	hub := newFakeHub(t)
	m := NewMarketStream(hub.config(), &staticTokens{token: "tok"}, nil)
	defer m.Stop()

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	states := make([]ConnectionState, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Start(context.Background())
			states[i] = m.State()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		// a nil return means Connected was observed, for every caller
		assert.Equal(t, StateConnected, states[i])
	}
	assert.Equal(t, 1, hub.connCount())
}

func TestConcurrentStartSharesFailure(t *testing.T) {
	cfg := Config{
		RTCBaseURL:       "ws://127.0.0.1:1", // nothing listens here
		MaxReconnects:    1,
		BackoffBase:      time.Millisecond,
		BackoffMax:       time.Millisecond,
		BackoffJitter:    time.Millisecond,
		HandshakeTimeout: 200 * time.Millisecond,
	}
	m := NewMarketStream(cfg, &staticTokens{token: "tok"}, nil)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Start(context.Background())
		}(i)
	}
	wg.Wait()

	// nobody gets a nil while the hub is unreachable
	for i := 0; i < n; i++ {
		assert.Error(t, errs[i])
	}
	assert.Equal(t, StateFailed, m.State())
}

func TestStopIsIdempotent(t *testing.T) {
	hub := newFakeHub(t)
	m := NewMarketStream(hub.config(), &staticTokens{token: "tok"}, nil)
	require.NoError(t, m.Start(context.Background()))

	m.Stop()
	m.Stop()
	assert.Equal(t, StateDisconnected, m.State())

	// Failed is not sticky across Start
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	m.Stop()
}

func TestStartFailsWhenHubUnreachable(t *testing.T) {
	cfg := Config{
		RTCBaseURL:       "ws://127.0.0.1:1", // nothing listens here
		MaxReconnects:    1,
		BackoffBase:      time.Millisecond,
		BackoffMax:       time.Millisecond,
		BackoffJitter:    time.Millisecond,
		HandshakeTimeout: 200 * time.Millisecond,
	}
	m := NewMarketStream(cfg, &staticTokens{token: "tok"}, nil)

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.State())
}

func TestRejectedTokenInvalidatesOnce(t *testing.T) {
	hub := newFakeHub(t)
	tokens := &staticTokens{token: "wrong"}
	m := NewMarketStream(hub.config(), tokens, nil)

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.State())
	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	assert.Equal(t, 1, tokens.invalidated)
}

func TestStateCallbacks(t *testing.T) {
	hub := newFakeHub(t)
	var mu sync.Mutex
	var states []ConnectionState
	m := NewMarketStream(hub.config(), &staticTokens{token: "tok"}, func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, m.Start(context.Background()))
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 4)
	assert.Equal(t, StateConnecting, states[0])
	assert.Equal(t, StateConnected, states[1])
	assert.Equal(t, StateDisconnected, states[len(states)-1])
}
