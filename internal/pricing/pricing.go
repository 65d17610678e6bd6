// Package pricing implements the market-impact price model.
//
// A trade of signed notional m against a company with price p and total
// shares T moves the price proportionally to the trade's share of market
// value V = T * p:
//
//	p' = max(p + p * k * (m / V), floor)
//
// Positive m is buy pressure, negative m is sell pressure. The model is
// stateless and deterministic; persisting the resulting price and its history
// point is the caller's job.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSensitivity is returned when k <= 0.
	ErrInvalidSensitivity = errors.New("pricing: sensitivity k must be positive")

	// ErrInvalidFloor is returned when the floor is not positive.
	ErrInvalidFloor = errors.New("pricing: price floor must be positive")

	// ErrInvalidMarket is returned for a non-positive price or share count.
	ErrInvalidMarket = errors.New("pricing: price and total shares must be positive")

	// DefaultK caps a trade worth 1% of market value at a 0.05% move.
	DefaultK = decimal.NewFromFloat(0.05)

	// DefaultFloor is the lowest price any company can reach.
	DefaultFloor = decimal.NewFromFloat(0.01)

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 8
)

// Model applies market impact with a fixed sensitivity and floor.
type Model struct {
	k     decimal.Decimal
	floor decimal.Decimal
}

// NewModel creates a price model with sensitivity k and a minimum price.
func NewModel(k, floor decimal.Decimal) (*Model, error) {
	if k.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidSensitivity
	}
	if floor.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidFloor
	}
	return &Model{k: k, floor: floor}, nil
}

// Default returns the model with DefaultK and DefaultFloor.
func Default() *Model {
	return &Model{k: DefaultK, floor: DefaultFloor}
}

// K returns the sensitivity constant.
func (m *Model) K() decimal.Decimal { return m.k }

// Floor returns the minimum price.
func (m *Model) Floor() decimal.Decimal { return m.floor }

// MarketValue returns T * p.
func MarketValue(price decimal.Decimal, totalShares int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(totalShares))
}

// Impact returns the price after a trade of signed notional against a
// company quoted at price with totalShares issued.
func (m *Model) Impact(price decimal.Decimal, totalShares int64, notional decimal.Decimal) (decimal.Decimal, error) {
	if price.LessThanOrEqual(decimal.Zero) || totalShares <= 0 {
		return decimal.Zero, ErrInvalidMarket
	}
	if notional.IsZero() {
		return m.Clamp(price), nil
	}

	v := MarketValue(price, totalShares)
	delta := price.Mul(m.k).Mul(notional).Div(v)
	return m.Clamp(price.Add(delta)), nil
}

// Clamp rounds price to PriceScale and raises it to the floor if needed.
func (m *Model) Clamp(price decimal.Decimal) decimal.Decimal {
	p := price.Round(PriceScale)
	if p.LessThan(m.floor) {
		return m.floor
	}
	return p
}
