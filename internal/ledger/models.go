package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order status values. Stopped is the pre-trigger state of a stop-limit;
// expired is reserved for a future time-in-force feature and is never set.
const (
	StatusOpen            = "open"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusStopped         = "stopped"
	StatusExpired         = "expired"
)

// Order types
const (
	TypeMarketFAK = "market_fak"
	TypeMarketFOK = "market_fok"
	TypeLimit     = "limit"
	TypeStopLimit = "stop_limit"
)

// User-facing order sides and outcomes
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OutcomeYes = "yes"
	OutcomeNo  = "no"
)

// StartingBalance is credited to every new user
var StartingBalance = decimal.NewFromInt(1000)

// Models

type User struct {
	ID        int64  `gorm:"primaryKey"` // upstream identity provider user ID
	Username  string
	FirstName string
	LastName  string
	PhotoURL  string
	Balance   decimal.Decimal `gorm:"type:decimal(20,2)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Order struct {
	ID              string `gorm:"primaryKey" json:"id"`
	UserID          int64  `gorm:"index" json:"user_id"`
	RoundStart      int64  `gorm:"index" json:"round_start"` // minute start, unix millis
	Side            string `json:"side"`      // "buy" or "sell"
	Outcome         string `json:"outcome"`   // "yes" or "no"
	BookSide        string `json:"book_side"` // "bid" or "ask", on the YES scale
	OrderType       string `json:"order_type"`
	BookPrice       int    `json:"book_price"` // 1..99
	StopPrice       int    `json:"stop_price,omitempty"` // 1..99, stop-limit only
	Shares          int64  `json:"shares"`
	FilledShares    int64  `json:"filled_shares"`
	RemainingShares int64  `json:"remaining_shares"`
	CostPerShare    int    `json:"cost_per_share"` // integer cents reserved per share
	Status          string `gorm:"index" json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"-"`
}

type Trade struct {
	ID         string `gorm:"primaryKey" json:"id"`
	RoundStart int64  `gorm:"index" json:"round_start"`
	BidOrderID string `gorm:"index" json:"bid_order_id"`
	AskOrderID string `gorm:"index" json:"ask_order_id"`
	YesUserID  int64  `gorm:"index" json:"yes_user_id"`
	NoUserID   int64  `gorm:"index" json:"no_user_id"`
	ExecPrice  int    `json:"exec_price"` // maker's book price
	Shares     int64  `json:"shares"`
	CreatedAt  time.Time `json:"created_at"`
}

// Position is per user per round; shares only exist within their round.
type Position struct {
	UserID     int64 `gorm:"primaryKey;autoIncrement:false"`
	RoundStart int64 `gorm:"primaryKey;autoIncrement:false"`
	YesShares  int64
	NoShares   int64
	UpdatedAt  time.Time
}

// LiquidityProvision is an immutable log of provision-phase minting
type LiquidityProvision struct {
	ID         uint  `gorm:"primaryKey;autoIncrement"`
	UserID     int64 `gorm:"index"`
	RoundStart int64 `gorm:"index"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,2)"`
	CreatedAt  time.Time
}

// MarketRow is the durable shadow of a market, unique by round start and slug
type MarketRow struct {
	RoundStart  int64  `gorm:"primaryKey;autoIncrement:false"`
	Slug        string `gorm:"uniqueIndex"`
	Phase       string
	PriceToBeat decimal.Decimal `gorm:"type:decimal(20,2)"`
	FinalPrice  decimal.Decimal `gorm:"type:decimal(20,2)"`
	Outcome     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PriceTick is one persisted reference-price sample
type PriceTick struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Price     decimal.Decimal `gorm:"type:decimal(20,2)"`
	Sources   int
	Timestamp time.Time `gorm:"index"`
}

// CentsToDollars converts the engine's canonical integer cents to the
// fixed-point dollars the schema stores.
func CentsToDollars(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}
