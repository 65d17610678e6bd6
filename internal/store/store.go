// Package store defines the Ledger Store used by the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and an in-memory transactional store for tests and development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/model"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the persistence interface. Every write issued with a context
// returned inside WithinTransaction commits or rolls back together.
type Store interface {
	// WithinTransaction runs fn in a transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error

	// --- Companies ---

	CreateCompany(ctx context.Context, c *model.Company) error
	GetCompany(ctx context.Context, ticker string) (*model.Company, error)
	ListCompanies(ctx context.Context) ([]model.Company, error)
	// UpdateCompanyState sets price and available inventory after a trade.
	UpdateCompanyState(ctx context.Context, ticker string, price decimal.Decimal, available int64) error

	// --- Investment lots ---

	InsertLot(ctx context.Context, lot *model.Lot) error
	// UpdateLot rewrites shares, cost basis and profit of an existing lot.
	UpdateLot(ctx context.Context, lot *model.Lot) error
	DeleteLot(ctx context.Context, id string) error
	// UpdateLotProfit sets the profit column only. Missing lots are ignored.
	UpdateLotProfit(ctx context.Context, id string, profit decimal.Decimal) error
	// GetUserLots returns a user's lots ordered by purchase time.
	GetUserLots(ctx context.Context, userID string) ([]model.Lot, error)
	// GetUserTickerLots returns the lots for one holding, oldest first.
	GetUserTickerLots(ctx context.Context, userID, ticker string) ([]model.Lot, error)
	// GetTickerLots returns every lot of a ticker across users.
	GetTickerLots(ctx context.Context, ticker string) ([]model.Lot, error)

	// --- Immutable price history ---

	AppendHistory(ctx context.Context, p *model.HistoryPoint) error
	// GetHistory returns points in [from, to] by timestamp. Zero bounds are open.
	GetHistory(ctx context.Context, ticker string, from, to time.Time) ([]model.HistoryPoint, error)

	// --- Portfolio snapshots ---

	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)
	SavePortfolio(ctx context.Context, p *model.Portfolio) error

	// --- Transfers ---

	InsertTransfer(ctx context.Context, t *model.Transfer) error
	GetTransfer(ctx context.Context, id string) (*model.Transfer, error)
	ListTransfers(ctx context.Context, userID string) ([]model.Transfer, error)
	DeleteTransfer(ctx context.Context, id string) error
}

// lotLess orders lots oldest first. Lot IDs are UUIDv7, so ties on the
// purchase timestamp still fall back to creation order.
func lotLess(a, b model.Lot) bool {
	if !a.PurchasedAt.Equal(b.PurchasedAt) {
		return a.PurchasedAt.Before(b.PurchasedAt)
	}
	return a.ID < b.ID
}

// inRange reports whether ts lies in [from, to] with zero bounds open.
func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}
