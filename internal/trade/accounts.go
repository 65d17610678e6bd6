package trade

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/errs"
	"github.com/stocksim/trading-engine/internal/locks"
	"github.com/stocksim/trading-engine/internal/model"
	"github.com/stocksim/trading-engine/internal/ticker"
)

// CreateUser opens a trading account with an initial cash balance.
func (e *Engine) CreateUser(ctx context.Context, username, email string, balance decimal.Decimal) (*model.User, error) {
	const op = "trade.CreateUser"

	name, err := required(op, "username", username)
	if err != nil {
		return nil, err
	}
	if balance.IsNegative() {
		return nil, errs.E(op, errs.InvalidInput, "initial balance cannot be negative")
	}

	u := &model.User{
		ID:        newID(),
		Username:  name,
		Email:     email,
		Balance:   balance,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateUser(ctx, u); err != nil {
		return nil, storeErr(op, err)
	}
	slog.Info("user created", "id", u.ID, "username", u.Username, "balance", balance.String())
	return u, nil
}

// Deposit credits cash and refreshes the user's snapshot.
func (e *Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.User, error) {
	const op = "trade.Deposit"

	if !amount.IsPositive() {
		return nil, errs.E(op, errs.InvalidInput, "deposit amount must be positive")
	}

	var user *model.User
	err := e.withLocks(ctx, op, func() error {
		err := e.store.WithinTransaction(ctx, func(ctx context.Context) error {
			u, err := e.store.GetUser(ctx, userID)
			if err != nil {
				return storeErr(op, err)
			}
			u.Balance = u.Balance.Add(amount)
			if err := e.store.UpdateUserBalance(ctx, userID, u.Balance); err != nil {
				return storeErr(op, err)
			}
			user = u
			return nil
		})
		if err != nil {
			return err
		}
		e.refreshSnapshot(ctx, userID)
		return nil
	}, locks.User(userID))
	if err != nil {
		return nil, err
	}

	slog.Info("deposit", "user", userID, "amount", amount.String(), "balance", user.Balance.String())
	return user, nil
}

// CompanyInput describes a company to list.
type CompanyInput struct {
	Ticker          string          `json:"ticker" yaml:"ticker"`
	Name            string          `json:"name" yaml:"name"`
	Price           decimal.Decimal `json:"price" yaml:"price"`
	TotalShares     int64           `json:"total_shares" yaml:"total_shares"`
	AvailableShares int64           `json:"available_shares" yaml:"available_shares"`
}

// CreateCompany lists a company and records its opening price.
func (e *Engine) CreateCompany(ctx context.Context, in CompanyInput) (*model.Company, error) {
	const op = "trade.CreateCompany"

	tk, err := ticker.Parse(in.Ticker)
	if err != nil {
		return nil, errs.Wrap(op, errs.InvalidInput, err)
	}
	name, err := required(op, "name", in.Name)
	if err != nil {
		return nil, err
	}
	if !in.Price.IsPositive() {
		return nil, errs.E(op, errs.InvalidInput, "price must be positive")
	}
	if in.TotalShares <= 0 {
		return nil, errs.E(op, errs.InvalidInput, "total shares must be positive")
	}
	if in.AvailableShares < 0 || in.AvailableShares > in.TotalShares {
		return nil, errs.E(op, errs.InvalidInput, "available shares must be between 0 and %d", in.TotalShares)
	}

	now := e.now()
	c := &model.Company{
		Ticker:          tk,
		Name:            name,
		Price:           e.pricing.Clamp(in.Price),
		TotalShares:     in.TotalShares,
		AvailableShares: in.AvailableShares,
		UpdatedAt:       now,
	}
	err = e.store.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := e.store.CreateCompany(ctx, c); err != nil {
			return storeErr(op, err)
		}
		return e.store.AppendHistory(ctx, &model.HistoryPoint{ID: newID(), Ticker: tk, Price: c.Price, Timestamp: now})
	})
	if err != nil {
		return nil, storeErr(op, err)
	}

	slog.Info("company created", "ticker", tk, "price", c.Price.String(), "total_shares", c.TotalShares)
	return c, nil
}

func (e *Engine) GetCompany(ctx context.Context, rawTicker string) (*model.Company, error) {
	const op = "trade.GetCompany"
	tk, err := ticker.Parse(rawTicker)
	if err != nil {
		return nil, errs.Wrap(op, errs.InvalidInput, err)
	}
	c, err := e.store.GetCompany(ctx, tk)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return c, nil
}

func (e *Engine) ListCompanies(ctx context.Context) ([]model.Company, error) {
	companies, err := e.store.ListCompanies(ctx)
	if err != nil {
		return nil, storeErr("trade.ListCompanies", err)
	}
	if companies == nil {
		companies = []model.Company{}
	}
	return companies, nil
}
