// Package valuation derives portfolio snapshots from balances, lots and
// current company prices.
package valuation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/model"
	"github.com/stocksim/trading-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// PctScale is the number of decimal places kept in ProfitPct.
const PctScale = 4

// Holding is the aggregate of one user's lots in a single ticker.
type Holding struct {
	Ticker    string          `json:"ticker"`
	Shares    decimal.Decimal `json:"shares"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	Price     decimal.Decimal `json:"price"`
	Value     decimal.Decimal `json:"value"`
	Profit    decimal.Decimal `json:"profit"`
}

// Aggregate groups lots by ticker in first-seen order.
func Aggregate(lots []model.Lot) []Holding {
	idx := make(map[string]int)
	var holdings []Holding
	for _, lot := range lots {
		i, ok := idx[lot.Ticker]
		if !ok {
			i = len(holdings)
			idx[lot.Ticker] = i
			holdings = append(holdings, Holding{Ticker: lot.Ticker})
		}
		holdings[i].Shares = holdings[i].Shares.Add(lot.Shares)
		holdings[i].CostBasis = holdings[i].CostBasis.Add(lot.AmountUSD)
	}
	return holdings
}

// Compute is the pure valuation of one user. Every ticker held must have a
// price in prices.
func Compute(user model.User, lots []model.Lot, prices map[string]decimal.Decimal, now time.Time) (model.Portfolio, error) {
	p := model.Portfolio{
		UserID:           user.ID,
		CashBalance:      user.Balance,
		InvestmentsValue: decimal.Zero,
		TotalInvested:    decimal.Zero,
		LastUpdated:      now,
	}

	holdings := Aggregate(lots)
	for _, h := range holdings {
		price, ok := prices[h.Ticker]
		if !ok {
			return model.Portfolio{}, fmt.Errorf("no price for %s", h.Ticker)
		}
		p.InvestmentsValue = p.InvestmentsValue.Add(h.Shares.Mul(price))
		p.TotalInvested = p.TotalInvested.Add(h.CostBasis)
	}

	p.Profit = p.InvestmentsValue.Sub(p.TotalInvested)
	p.ProfitPct = decimal.Zero
	if p.TotalInvested.IsPositive() {
		p.ProfitPct = p.Profit.Div(p.TotalInvested).Mul(hundred).Round(PctScale)
	}
	p.TotalValue = p.CashBalance.Add(p.InvestmentsValue)
	p.HoldingsCount = len(holdings)
	return p, nil
}

// Valuator recomputes and persists snapshots. Callers serialize
// recomputation of a user by holding that user's lock.
type Valuator struct {
	store store.Store
	now   func() time.Time
}

// New creates a Valuator reading from and writing to s.
func New(s store.Store) *Valuator {
	return &Valuator{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock used for LastUpdated.
func (v *Valuator) WithClock(now func() time.Time) *Valuator {
	v.now = now
	return v
}

// Recompute rebuilds the snapshot of userID from committed state and saves it.
func (v *Valuator) Recompute(ctx context.Context, userID string) (*model.Portfolio, error) {
	user, err := v.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	lots, err := v.store.GetUserLots(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load lots: %w", err)
	}
	prices, err := v.Prices(ctx, lots)
	if err != nil {
		return nil, err
	}

	p, err := Compute(*user, lots, prices, v.now())
	if err != nil {
		return nil, err
	}
	if err := v.store.SavePortfolio(ctx, &p); err != nil {
		return nil, fmt.Errorf("save portfolio: %w", err)
	}
	return &p, nil
}

// Prices loads the current price of every ticker referenced by lots.
func (v *Valuator) Prices(ctx context.Context, lots []model.Lot) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	for _, lot := range lots {
		if _, ok := prices[lot.Ticker]; ok {
			continue
		}
		c, err := v.store.GetCompany(ctx, lot.Ticker)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", lot.Ticker, err)
		}
		prices[lot.Ticker] = c.Price
	}
	return prices, nil
}

// Holdings returns the user's per-ticker aggregates valued at current prices.
func (v *Valuator) Holdings(ctx context.Context, userID string) ([]Holding, error) {
	lots, err := v.store.GetUserLots(ctx, userID)
	if err != nil {
		return nil, err
	}
	prices, err := v.Prices(ctx, lots)
	if err != nil {
		return nil, err
	}
	holdings := Aggregate(lots)
	for i := range holdings {
		h := &holdings[i]
		h.Price = prices[h.Ticker]
		h.Value = h.Shares.Mul(h.Price)
		h.Profit = h.Value.Sub(h.CostBasis)
	}
	return holdings, nil
}
