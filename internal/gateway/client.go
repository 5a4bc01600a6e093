package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/davidcm/topstepx-bot/internal/observ"
)

// orderSearchWindow bounds GetOrder: the gateway has no get-by-id endpoint,
// so we search a recent time range and filter client-side.
const orderSearchWindow = 72 * time.Hour

type Config struct {
	BaseURL    string
	Username   string
	APIKey     string
	AccountID  int
	TimeoutMs  int
	RatePerSec float64
}

// Client is a typed wrapper over the broker's authenticated REST API.
// Safe for concurrent use. On HTTP 401 a single transparent re-auth retry is
// attempted; all other failures surface to the caller unretried.
type Client struct {
	baseURL        string
	username       string
	apiKey         string
	defaultAccount int
	httpc          *http.Client
	limiter        *rate.Limiter

	mu    sync.Mutex
	token Token

	now func() time.Time
}

func New(cfg Config) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 4
	}
	return &Client{
		baseURL:        cfg.BaseURL,
		username:       cfg.Username,
		apiKey:         cfg.APIKey,
		defaultAccount: cfg.AccountID,
		httpc:          &http.Client{Timeout: timeout},
		limiter:        rate.NewLimiter(rate.Limit(rps), 2),
		now:            time.Now,
	}
}

func (c *Client) DefaultAccount() int { return c.defaultAccount }

// Authenticate exchanges username+API key for a bearer token and caches it.
func (c *Client) Authenticate(ctx context.Context) (Token, error) {
	if c.username == "" || c.apiKey == "" {
		return Token{}, &AuthenticationError{Message: "username and API key are required"}
	}
	payload := map[string]string{"userName": c.username, "apiKey": c.apiKey}
	var resp struct {
		Success      bool   `json:"success"`
		ErrorCode    int    `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
		Token        string `json:"token"`
	}
	status, body, err := c.roundTrip(ctx, "/api/Auth/loginKey", payload, "")
	if err != nil {
		return Token{}, &APIRequestError{Op: "authenticate", Err: err}
	}
	if status != http.StatusOK {
		return Token{}, &AuthenticationError{Message: "login rejected", Status: status, Body: string(body)}
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Token{}, &APIResponseParsingError{Op: "authenticate", Body: string(body), Err: err}
	}
	if !resp.Success || resp.Token == "" {
		return Token{}, &AuthenticationError{Message: fmt.Sprintf("%s (code %d)", resp.ErrorMessage, resp.ErrorCode)}
	}
	tok := Token{Value: resp.Token, AcquiredAt: c.now()}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	observ.Log("gateway_authenticated", map[string]any{"user": c.username})
	return tok, nil
}

// ValidToken returns a usable bearer token, re-authenticating when the cached
// one is missing or inside the expiry safety margin.
func (c *Client) ValidToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok.Valid(c.now()) {
		return tok.Value, nil
	}
	tok, err := c.Authenticate(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// InvalidateToken drops the cached token. The stream clients call this when
// the hub reports an authorization failure mid-session.
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	c.token = Token{}
	c.mu.Unlock()
}

// roundTrip performs one rate-limited POST. It does not retry.
func (c *Client) roundTrip(ctx context.Context, endpoint string, payload any, bearer string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// post issues an authenticated request and decodes the response into out.
// A single re-auth retry is attempted on 401 before surfacing failure.
func (c *Client) post(ctx context.Context, op, endpoint string, payload any, out any) error {
	token, err := c.ValidToken(ctx)
	if err != nil {
		return err
	}
	status, body, err := c.roundTrip(ctx, endpoint, payload, token)
	if err != nil {
		return &APIRequestError{Op: op, Err: err}
	}
	if status == http.StatusUnauthorized {
		c.InvalidateToken()
		observ.IncCounter("gateway_reauth_total", map[string]string{"op": op})
		if token, err = c.ValidToken(ctx); err != nil {
			return err
		}
		if status, body, err = c.roundTrip(ctx, endpoint, payload, token); err != nil {
			return &APIRequestError{Op: op, Err: err}
		}
	}
	if status != http.StatusOK {
		return &APIRequestError{Op: op, Status: status, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIResponseParsingError{Op: op, Body: string(body), Err: err}
	}
	return nil
}

type envelope struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e envelope) reject(op string) error {
	return &OrderPlacementError{Op: op, ErrorCode: e.ErrorCode, ErrorMessage: e.ErrorMessage}
}

// SearchContracts resolves a human symbol ("NQ") to tradable contracts.
// No match is an empty slice, not an error.
func (c *Client) SearchContracts(ctx context.Context, text string, live bool) ([]Contract, error) {
	var resp struct {
		envelope
		Contracts []Contract `json:"contracts"`
	}
	payload := map[string]any{"searchText": text, "live": live}
	if err := c.post(ctx, "search_contracts", "/api/Contract/search", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &APIRequestError{Op: "search_contracts", Body: resp.ErrorMessage}
	}
	return resp.Contracts, nil
}

func (c *Client) SearchAccounts(ctx context.Context, onlyActive bool) ([]Account, error) {
	var resp struct {
		envelope
		Accounts []Account `json:"accounts"`
	}
	payload := map[string]any{"onlyActiveAccounts": onlyActive}
	if err := c.post(ctx, "search_accounts", "/api/Account/search", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &APIRequestError{Op: "search_accounts", Body: resp.ErrorMessage}
	}
	return resp.Accounts, nil
}

func validateOrder(req OrderRequest) error {
	if req.Size <= 0 {
		return fmt.Errorf("order size must be positive, got %d", req.Size)
	}
	if req.ContractID == "" {
		return fmt.Errorf("order contract id is required")
	}
	switch req.Type {
	case TypeLimit:
		if req.LimitPrice == nil {
			return fmt.Errorf("limit order requires a limit price")
		}
	case TypeStop:
		if req.StopPrice == nil {
			return fmt.Errorf("stop order requires a stop price")
		}
	case TypeTrailingStop:
		if req.TrailPrice == nil || *req.TrailPrice <= 0 {
			return fmt.Errorf("trailing stop order requires a positive trail distance")
		}
	case TypeMarket:
	default:
		return fmt.Errorf("unsupported order type %d", req.Type)
	}
	return nil
}

// PlaceOrder submits an order. A success=false envelope becomes an
// OrderPlacementError; it never looks like a truthy response to the caller.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := validateOrder(req); err != nil {
		return OrderResult{}, err
	}
	if req.AccountID == 0 {
		req.AccountID = c.defaultAccount
	}
	var res OrderResult
	if err := c.post(ctx, "place_order", "/api/Order/place", req, &res); err != nil {
		return OrderResult{}, err
	}
	if !res.Success || res.OrderID == 0 {
		return res, &OrderPlacementError{Op: "place_order", ErrorCode: res.ErrorCode, ErrorMessage: res.ErrorMessage}
	}
	observ.IncCounter("gateway_orders_placed_total", map[string]string{"contract": req.ContractID})
	return res, nil
}

type ModifyOrderRequest struct {
	OrderID    int      `json:"orderId"`
	AccountID  int      `json:"accountId"`
	Size       *int     `json:"size,omitempty"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
	TrailPrice *float64 `json:"trailPrice,omitempty"`
}

func (c *Client) ModifyOrder(ctx context.Context, req ModifyOrderRequest) (ModifyResult, error) {
	if req.AccountID == 0 {
		req.AccountID = c.defaultAccount
	}
	var res ModifyResult
	if err := c.post(ctx, "modify_order", "/api/Order/modify", req, &res); err != nil {
		return ModifyResult{}, err
	}
	if !res.Success {
		return res, &OrderPlacementError{Op: "modify_order", ErrorCode: res.ErrorCode, ErrorMessage: res.ErrorMessage}
	}
	return res, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID, accountID int) (CancelResult, error) {
	if accountID == 0 {
		accountID = c.defaultAccount
	}
	var res CancelResult
	payload := map[string]any{"orderId": orderID, "accountId": accountID}
	if err := c.post(ctx, "cancel_order", "/api/Order/cancel", payload, &res); err != nil {
		return CancelResult{}, err
	}
	if !res.Success {
		return res, &OrderPlacementError{Op: "cancel_order", ErrorCode: res.ErrorCode, ErrorMessage: res.ErrorMessage}
	}
	return res, nil
}

// GetOrder looks an order up by id via a bounded time-range search. Eventually
// consistent and O(orders in window); returns (nil, nil) when absent.
func (c *Client) GetOrder(ctx context.Context, orderID, accountID int) (*Order, error) {
	if accountID == 0 {
		accountID = c.defaultAccount
	}
	now := c.now().UTC()
	var resp struct {
		envelope
		Orders []Order `json:"orders"`
	}
	payload := map[string]any{
		"accountId":      accountID,
		"startTimestamp": now.Add(-orderSearchWindow).Format(time.RFC3339),
		"endTimestamp":   now.Format(time.RFC3339),
	}
	if err := c.post(ctx, "get_order", "/api/Order/search", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &APIRequestError{Op: "get_order", Body: resp.ErrorMessage}
	}
	for i := range resp.Orders {
		if resp.Orders[i].ID == orderID {
			return &resp.Orders[i], nil
		}
	}
	return nil, nil
}

func (c *Client) GetOpenOrders(ctx context.Context, accountID int) ([]Order, error) {
	if accountID == 0 {
		accountID = c.defaultAccount
	}
	var resp struct {
		envelope
		Orders []Order `json:"orders"`
	}
	payload := map[string]any{"accountId": accountID}
	if err := c.post(ctx, "get_open_orders", "/api/Order/searchOpen", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &APIRequestError{Op: "get_open_orders", Body: resp.ErrorMessage}
	}
	return resp.Orders, nil
}

func (c *Client) GetPositions(ctx context.Context, accountID int) ([]Position, error) {
	if accountID == 0 {
		accountID = c.defaultAccount
	}
	var resp struct {
		envelope
		Positions []Position `json:"positions"`
	}
	payload := map[string]any{"accountId": accountID}
	if err := c.post(ctx, "get_positions", "/api/Position/searchOpen", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &APIRequestError{Op: "get_positions", Body: resp.ErrorMessage}
	}
	return resp.Positions, nil
}

// ClosePosition flattens the whole position for a contract via the dedicated
// close endpoint.
func (c *Client) ClosePosition(ctx context.Context, accountID int, contractID string) error {
	if accountID == 0 {
		accountID = c.defaultAccount
	}
	var res envelope
	payload := map[string]any{"accountId": accountID, "contractId": contractID}
	if err := c.post(ctx, "close_position", "/api/Position/closeContract", payload, &res); err != nil {
		return err
	}
	if !res.Success {
		return res.reject("close_position")
	}
	observ.IncCounter("gateway_positions_closed_total", map[string]string{"contract": contractID})
	return nil
}

func (c *Client) RetrieveBars(ctx context.Context, req RetrieveBarsRequest) ([]Bar, error) {
	var resp struct {
		envelope
		Bars []Bar `json:"bars"`
	}
	if err := c.post(ctx, "retrieve_bars", "/api/History/retrieveBars", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &APIRequestError{Op: "retrieve_bars", Body: resp.ErrorMessage}
	}
	return resp.Bars, nil
}
