// Package model defines the core domain types shared across the trading engine.
// All monetary values and share quantities use shopspring/decimal.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a trading account. Balance is never negative at any observable point.
type User struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Email     string          `json:"email" db:"email"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Company is a tradable instrument with a single shared price.
// AvailableShares is whole-share inventory; 0 <= AvailableShares <= TotalShares.
type Company struct {
	Ticker          string          `json:"ticker" db:"ticker"`
	Name            string          `json:"name" db:"name"`
	Price           decimal.Decimal `json:"price" db:"price"`
	TotalShares     int64           `json:"total_shares" db:"total_shares"`
	AvailableShares int64           `json:"available_shares" db:"available_shares"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Lot is one discrete purchase of shares. Lots for the same (user, ticker)
// are consumed oldest-first on sale; a lot whose shares reach zero is deleted.
type Lot struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Ticker      string          `json:"ticker" db:"ticker"`
	Shares      decimal.Decimal `json:"shares" db:"shares"`
	AmountUSD   decimal.Decimal `json:"amount_usd" db:"amount_usd"` // cost basis
	Profit      decimal.Decimal `json:"profit" db:"profit"`
	PurchasedAt time.Time       `json:"purchased_at" db:"purchased_at"`
}

// UnitCost returns the cost basis per share.
func (l Lot) UnitCost() decimal.Decimal {
	if l.Shares.IsZero() {
		return decimal.Zero
	}
	return l.AmountUSD.Div(l.Shares)
}

// HistoryPoint is an immutable price observation. Never updated or deleted.
type HistoryPoint struct {
	ID        string          `json:"id" db:"id"`
	Ticker    string          `json:"ticker" db:"ticker"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Portfolio is the cached valuation of one user. It is fully derivable from
// the user's balance, lots and current company prices.
type Portfolio struct {
	UserID           string          `json:"user_id" db:"user_id"`
	CashBalance      decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	InvestmentsValue decimal.Decimal `json:"investments_value" db:"investments_value"`
	TotalInvested    decimal.Decimal `json:"total_invested" db:"total_invested"`
	TotalValue       decimal.Decimal `json:"total_value" db:"total_value"`
	Profit           decimal.Decimal `json:"profit" db:"profit"`
	ProfitPct        decimal.Decimal `json:"profit_pct" db:"profit_pct"`
	HoldingsCount    int             `json:"holdings_count" db:"holdings_count"`
	LastUpdated      time.Time       `json:"last_updated" db:"last_updated"`
}

// Equal reports whether two snapshots carry the same valuation, ignoring
// the recompute timestamp.
func (p Portfolio) Equal(o Portfolio) bool {
	return p.UserID == o.UserID &&
		p.CashBalance.Equal(o.CashBalance) &&
		p.InvestmentsValue.Equal(o.InvestmentsValue) &&
		p.TotalInvested.Equal(o.TotalInvested) &&
		p.TotalValue.Equal(o.TotalValue) &&
		p.Profit.Equal(o.Profit) &&
		p.ProfitPct.Equal(o.ProfitPct) &&
		p.HoldingsCount == o.HoldingsCount
}

// Transfer is a cash movement out of (negative) or into (positive) a user's balance.
type Transfer struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Recipient string          `json:"recipient" db:"recipient"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
