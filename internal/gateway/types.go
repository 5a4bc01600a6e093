package gateway

import "time"

// Wire enums per the ProjectX gateway API.
type OrderSide int

const (
	SideBuy  OrderSide = 0
	SideSell OrderSide = 1
)

type OrderType int

const (
	TypeLimit        OrderType = 1
	TypeMarket       OrderType = 2
	TypeStop         OrderType = 4
	TypeTrailingStop OrderType = 5
)

// Order status values as reported by /api/Order/search.
const (
	OrderStatusOpen      = 1
	OrderStatusFilled    = 2
	OrderStatusCancelled = 3
	OrderStatusExpired   = 4
	OrderStatusRejected  = 5
	OrderStatusPending   = 6
)

// tokenLifetime is the broker's stated session length; tokenMargin is how
// early we refresh so a request never rides an about-to-expire token.
const (
	tokenLifetime = 24 * time.Hour
	tokenMargin   = 5 * time.Minute
)

type Token struct {
	Value      string
	AcquiredAt time.Time
}

func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.AcquiredAt.Add(tokenLifetime-tokenMargin))
}

type Account struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Balance   float64 `json:"balance"`
	CanTrade  bool    `json:"canTrade"`
	Simulated bool    `json:"simulated"`
}

type Contract struct {
	ID             string  `json:"id"` // e.g. "CON.F.US.ENQ.M25"
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	TickSize       float64 `json:"tickSize"`
	TickValue      float64 `json:"tickValue"`
	ActiveContract bool    `json:"activeContract"`
}

// OrderRequest shapes /api/Order/place. Optional prices are pointers so zero
// is distinguishable from absent on the wire.
type OrderRequest struct {
	AccountID     int       `json:"accountId"`
	ContractID    string    `json:"contractId"`
	Type          OrderType `json:"type"`
	Side          OrderSide `json:"side"`
	Size          int       `json:"size"`
	LimitPrice    *float64  `json:"limitPrice,omitempty"`
	StopPrice     *float64  `json:"stopPrice,omitempty"`
	TrailPrice    *float64  `json:"trailPrice,omitempty"`
	CustomTag     string    `json:"customTag,omitempty"`
	LinkedOrderID *int      `json:"linkedOrderId,omitempty"`
}

type OrderResult struct {
	Success      bool   `json:"success"`
	OrderID      int    `json:"orderId"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type ModifyResult struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type CancelResult = ModifyResult

type Order struct {
	ID                int       `json:"id"`
	AccountID         int       `json:"accountId"`
	ContractID        string    `json:"contractId"`
	CreationTimestamp time.Time `json:"creationTimestamp"`
	UpdateTimestamp   time.Time `json:"updateTimestamp"`
	Status            int       `json:"status"`
	Type              OrderType `json:"type"`
	Side              OrderSide `json:"side"`
	Size              int       `json:"size"`
	FillVolume        int       `json:"fillVolume"`
	LimitPrice        *float64  `json:"limitPrice"`
	StopPrice         *float64  `json:"stopPrice"`
}

type Position struct {
	ID                int       `json:"id"`
	AccountID         int       `json:"accountId"`
	ContractID        string    `json:"contractId"`
	CreationTimestamp time.Time `json:"creationTimestamp"`
	Type              int       `json:"type"` // 1 = long, 2 = short
	Size              int       `json:"size"`
	AveragePrice      float64   `json:"averagePrice"`
}

// Bar aggregation units for /api/History/retrieveBars.
const (
	UnitSecond = 1
	UnitMinute = 2
	UnitHour   = 3
	UnitDay    = 4
	UnitWeek   = 5
	UnitMonth  = 6
)

type Bar struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V int       `json:"v"`
}

type RetrieveBarsRequest struct {
	ContractID        string    `json:"contractId"`
	Live              bool      `json:"live"`
	StartTime         time.Time `json:"startTime"`
	EndTime           time.Time `json:"endTime"`
	Unit              int       `json:"unit"`
	UnitNumber        int       `json:"unitNumber"`
	Limit             int       `json:"limit"`
	IncludePartialBar bool      `json:"includePartialBar"`
}
