// Package trade is the trading and portfolio valuation engine: it executes
// buys and sells against a shared per-company price, maintains FIFO
// investment lots, moves cash, and keeps portfolio snapshots current.
//
// All monetary values and share quantities use shopspring/decimal.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/errs"
	"github.com/stocksim/trading-engine/internal/journal"
	"github.com/stocksim/trading-engine/internal/locks"
	"github.com/stocksim/trading-engine/internal/metrics"
	"github.com/stocksim/trading-engine/internal/model"
	"github.com/stocksim/trading-engine/internal/pricing"
	"github.com/stocksim/trading-engine/internal/store"
	"github.com/stocksim/trading-engine/internal/ticker"
	"github.com/stocksim/trading-engine/internal/valuation"
)

// ShareScale is the number of decimal places kept for purchased shares.
const ShareScale = 8

// Sweeper schedules revaluation after a price change.
type Sweeper interface {
	Submit(ticker string)
	RecalculateAll(ctx context.Context) (int, error)
}

// Journal records committed events.
type Journal interface {
	Append(journal.Entry) error
}

// JournalReader is implemented by journals that can serve the activity feed.
type JournalReader interface {
	After(index uint64) ([]journal.Record, error)
}

// Engine executes trades. It is safe for concurrent use; per-entity locks
// serialize work on the same user or company.
type Engine struct {
	store    store.Store
	locks    *locks.Manager
	pricing  *pricing.Model
	valuator *valuation.Valuator
	sweeper  Sweeper
	hub      *WSHub
	journal  Journal
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithHub broadcasts price changes to websocket clients.
func WithHub(h *WSHub) Option { return func(e *Engine) { e.hub = h } }

// WithJournal records committed trades and price changes.
func WithJournal(j Journal) Option { return func(e *Engine) { e.journal = j } }

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine. sw is notified after every committed price
// change.
func NewEngine(st store.Store, lm *locks.Manager, pm *pricing.Model, v *valuation.Valuator, sw Sweeper, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		locks:    lm,
		pricing:  pm,
		valuator: v,
		sweeper:  sw,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuyResult is returned by Buy.
type BuyResult struct {
	LotID           string          `json:"lot_id"`
	Ticker          string          `json:"ticker"`
	AmountUSD       decimal.Decimal `json:"amount_usd"`
	SharesPurchased decimal.Decimal `json:"shares_purchased"`
	OldPrice        decimal.Decimal `json:"old_price"`
	NewPrice        decimal.Decimal `json:"new_price"`
	Balance         decimal.Decimal `json:"balance"`
}

// SellResult is returned by Sell.
type SellResult struct {
	Ticker     string          `json:"ticker"`
	SharesSold decimal.Decimal `json:"shares_sold"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	OldPrice   decimal.Decimal `json:"old_price"`
	NewPrice   decimal.Decimal `json:"new_price"`
	Balance    decimal.Decimal `json:"balance"`
	LotsClosed int             `json:"lots_closed"`
}

// Buy spends amountUSD of the user's cash on ticker at the post-impact price.
func (e *Engine) Buy(ctx context.Context, userID, rawTicker string, amountUSD decimal.Decimal) (*BuyResult, error) {
	const op = "trade.Buy"
	start := time.Now()

	tk, err := ticker.Parse(rawTicker)
	if err != nil {
		return nil, e.observe("buy", start, errs.Wrap(op, errs.InvalidInput, err))
	}
	if !amountUSD.IsPositive() {
		return nil, e.observe("buy", start, errs.E(op, errs.InvalidInput, "amount must be positive"))
	}

	var res BuyResult
	err = e.withLocks(ctx, op, func() error {
		err := e.store.WithinTransaction(ctx, func(ctx context.Context) error {
			user, company, err := e.loadUserCompany(ctx, op, userID, tk)
			if err != nil {
				return err
			}
			if company.AvailableShares <= 0 {
				return errs.E(op, errs.InsufficientInventory, "%s has no shares available", tk)
			}
			if user.Balance.LessThan(amountUSD) {
				return errs.E(op, errs.InsufficientFunds, "balance %s is less than %s",
					errs.USD(user.Balance), errs.USD(amountUSD))
			}

			newPrice, err := e.pricing.Impact(company.Price, company.TotalShares, amountUSD)
			if err != nil {
				return errs.Wrap(op, errs.Internal, err)
			}
			shares := amountUSD.DivRound(newPrice, ShareScale)
			if !shares.IsPositive() {
				return errs.E(op, errs.InvalidInput, "amount %s buys no shares at %s", amountUSD, newPrice)
			}
			// Settlement is checked against the post-impact price.
			if shares.GreaterThan(decimal.NewFromInt(company.AvailableShares)) {
				return errs.E(op, errs.InsufficientInventory, "%s shares requested, %d available",
					shares, company.AvailableShares)
			}

			balance := user.Balance.Sub(amountUSD)
			if err := e.store.UpdateUserBalance(ctx, userID, balance); err != nil {
				return storeErr(op, err)
			}

			now := e.now()
			lot := &model.Lot{
				ID:          newID(),
				UserID:      userID,
				Ticker:      tk,
				Shares:      shares,
				AmountUSD:   amountUSD,
				Profit:      shares.Mul(newPrice).Sub(amountUSD),
				PurchasedAt: now,
			}
			if err := e.store.InsertLot(ctx, lot); err != nil {
				return storeErr(op, err)
			}

			available := company.AvailableShares - shares.Floor().IntPart()
			if err := e.applyTradeImpact(ctx, op, tk, newPrice, available, now); err != nil {
				return err
			}

			res = BuyResult{
				LotID:           lot.ID,
				Ticker:          tk,
				AmountUSD:       amountUSD,
				SharesPurchased: shares,
				OldPrice:        company.Price,
				NewPrice:        newPrice,
				Balance:         balance,
			}
			return nil
		})
		if err != nil {
			return err
		}
		e.refreshSnapshot(ctx, userID)
		e.afterPriceChange(tk, res.NewPrice, journal.Entry{
			Kind: journal.KindBuy, UserID: userID, Ticker: tk,
			Amount: amountUSD, Shares: res.SharesPurchased,
			OldPrice: res.OldPrice, NewPrice: res.NewPrice, At: e.now(),
		})
		return nil
	}, locks.User(userID), locks.Company(tk))
	if err != nil {
		return nil, e.observe("buy", start, err)
	}

	slog.Info("trade executed",
		"side", "buy",
		"user", userID,
		"ticker", tk,
		"amount", amountUSD.String(),
		"shares", res.SharesPurchased.String(),
		"old_price", res.OldPrice.String(),
		"new_price", res.NewPrice.String(),
	)
	metrics.TradeNotional.WithLabelValues(tk, "buy").Add(amountUSD.InexactFloat64())
	e.observe("buy", start, nil)
	return &res, nil
}

// Sell sells shares of ticker oldest lot first. Proceeds are priced at the
// quote before market impact.
func (e *Engine) Sell(ctx context.Context, userID, rawTicker string, shares decimal.Decimal) (*SellResult, error) {
	const op = "trade.Sell"
	start := time.Now()

	tk, err := ticker.Parse(rawTicker)
	if err != nil {
		return nil, e.observe("sell", start, errs.Wrap(op, errs.InvalidInput, err))
	}
	if !shares.IsPositive() {
		return nil, e.observe("sell", start, errs.E(op, errs.InvalidInput, "shares must be positive"))
	}

	var res SellResult
	err = e.withLocks(ctx, op, func() error {
		err := e.store.WithinTransaction(ctx, func(ctx context.Context) error {
			user, company, err := e.loadUserCompany(ctx, op, userID, tk)
			if err != nil {
				return err
			}
			lots, err := e.store.GetUserTickerLots(ctx, userID, tk)
			if err != nil {
				return storeErr(op, err)
			}
			owned := decimal.Zero
			for _, lot := range lots {
				owned = owned.Add(lot.Shares)
			}
			if owned.LessThan(shares) {
				return errs.E(op, errs.InsufficientShares, "owns %s %s shares, cannot sell %s", owned, tk, shares)
			}

			proceeds := shares.Mul(company.Price)
			newPrice, err := e.pricing.Impact(company.Price, company.TotalShares, proceeds.Neg())
			if err != nil {
				return errs.Wrap(op, errs.Internal, err)
			}

			closed, err := e.consumeFIFO(ctx, op, lots, shares, newPrice)
			if err != nil {
				return err
			}

			balance := user.Balance.Add(proceeds)
			if err := e.store.UpdateUserBalance(ctx, userID, balance); err != nil {
				return storeErr(op, err)
			}

			// Fractional sales can credit more whole shares than were
			// debited on purchase; inventory never exceeds the float.
			available := company.AvailableShares + shares.Floor().IntPart()
			if available > company.TotalShares {
				available = company.TotalShares
			}
			if err := e.applyTradeImpact(ctx, op, tk, newPrice, available, e.now()); err != nil {
				return err
			}

			res = SellResult{
				Ticker:     tk,
				SharesSold: shares,
				AmountUSD:  proceeds,
				OldPrice:   company.Price,
				NewPrice:   newPrice,
				Balance:    balance,
				LotsClosed: closed,
			}
			return nil
		})
		if err != nil {
			return err
		}
		e.refreshSnapshot(ctx, userID)
		e.afterPriceChange(tk, res.NewPrice, journal.Entry{
			Kind: journal.KindSell, UserID: userID, Ticker: tk,
			Amount: res.AmountUSD, Shares: shares,
			OldPrice: res.OldPrice, NewPrice: res.NewPrice, At: e.now(),
		})
		return nil
	}, locks.User(userID), locks.Company(tk))
	if err != nil {
		return nil, e.observe("sell", start, err)
	}

	slog.Info("trade executed",
		"side", "sell",
		"user", userID,
		"ticker", tk,
		"shares", shares.String(),
		"amount", res.AmountUSD.String(),
		"old_price", res.OldPrice.String(),
		"new_price", res.NewPrice.String(),
	)
	metrics.TradeNotional.WithLabelValues(tk, "sell").Add(res.AmountUSD.InexactFloat64())
	e.observe("sell", start, nil)
	return &res, nil
}

// consumeFIFO removes shares from lots oldest first. A lot that is fully
// consumed is deleted; the last one touched keeps its remaining shares and
// a proportionally rescaled cost basis. It returns the number of lots closed.
func (e *Engine) consumeFIFO(ctx context.Context, op string, lots []model.Lot, shares, price decimal.Decimal) (int, error) {
	remaining := shares
	closed := 0
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		if lot.Shares.LessThanOrEqual(remaining) {
			if err := e.store.DeleteLot(ctx, lot.ID); err != nil {
				return closed, storeErr(op, err)
			}
			remaining = remaining.Sub(lot.Shares)
			closed++
			continue
		}

		left := lot.Shares.Sub(remaining)
		lot.AmountUSD = lot.AmountUSD.Mul(left).Div(lot.Shares)
		lot.Shares = left
		lot.Profit = price.Sub(lot.UnitCost()).Mul(left)
		if err := e.store.UpdateLot(ctx, &lot); err != nil {
			return closed, storeErr(op, err)
		}
		remaining = decimal.Zero
	}
	return closed, nil
}

// applyTradeImpact commits a new company price and inventory and records
// the history point. Callers hold the company lock.
func (e *Engine) applyTradeImpact(ctx context.Context, op, tk string, price decimal.Decimal, available int64, at time.Time) error {
	if err := e.store.UpdateCompanyState(ctx, tk, price, available); err != nil {
		return storeErr(op, err)
	}
	point := &model.HistoryPoint{ID: newID(), Ticker: tk, Price: price, Timestamp: at}
	if err := e.store.AppendHistory(ctx, point); err != nil {
		return storeErr(op, err)
	}
	return nil
}

// SetExternalPrice overrides ticker's price with a market-data quote.
func (e *Engine) SetExternalPrice(ctx context.Context, rawTicker string, price decimal.Decimal) (decimal.Decimal, error) {
	const op = "trade.SetExternalPrice"

	tk, err := ticker.Parse(rawTicker)
	if err != nil {
		return decimal.Zero, errs.Wrap(op, errs.InvalidInput, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, errs.E(op, errs.InvalidInput, "quote for %s must be positive, got %s", tk, price)
	}
	newPrice := e.pricing.Clamp(price)

	var oldPrice decimal.Decimal
	err = e.withLocks(ctx, op, func() error {
		err := e.store.WithinTransaction(ctx, func(ctx context.Context) error {
			company, err := e.store.GetCompany(ctx, tk)
			if err != nil {
				return storeErr(op, err)
			}
			oldPrice = company.Price
			return e.applyTradeImpact(ctx, op, tk, newPrice, company.AvailableShares, e.now())
		})
		if err != nil {
			return err
		}
		e.afterPriceChange(tk, newPrice, journal.Entry{
			Kind: journal.KindExternalPrice, Ticker: tk,
			OldPrice: oldPrice, NewPrice: newPrice, At: e.now(),
		})
		return nil
	}, locks.Company(tk))
	if err != nil {
		return decimal.Zero, err
	}

	slog.Info("external price applied", "ticker", tk, "old_price", oldPrice.String(), "new_price", newPrice.String())
	return newPrice, nil
}

// afterPriceChange runs the post-commit steps of a price change. Callers
// still hold the company lock so journal and broadcast order match commit
// order. None of the steps block or undo the committed trade.
func (e *Engine) afterPriceChange(tk string, price decimal.Decimal, entry journal.Entry) {
	metrics.CompanyPrice.WithLabelValues(tk).Set(price.InexactFloat64())

	e.sweeper.Submit(tk)
	if e.hub != nil {
		e.hub.Broadcast(WSMessage{
			Type:   "price_updated",
			Ticker: tk,
			Price:  price.String(),
			Side:   string(entry.Kind),
			Shares: entry.Shares.String(),
		})
	}
	if e.journal != nil {
		if err := e.journal.Append(entry); err != nil {
			slog.Error("journal append failed", "ticker", tk, "kind", entry.Kind, "error", err)
		}
	}
}

// refreshSnapshot recomputes the user's snapshot after a commit. The
// caller holds the user lock. Failures are logged; the sweep retries.
func (e *Engine) refreshSnapshot(ctx context.Context, userID string) {
	if _, err := e.valuator.Recompute(ctx, userID); err != nil {
		slog.Error("portfolio recompute failed", "user_id", userID, "error", err)
	}
}

// withLocks runs fn while holding every key.
func (e *Engine) withLocks(ctx context.Context, op string, fn func() error, keys ...string) error {
	release, err := e.locks.Acquire(ctx, keys...)
	if err != nil {
		metrics.LockTimeouts.Inc()
		return errs.Wrap(op, errs.Busy, err)
	}
	defer release()
	return fn()
}

func (e *Engine) loadUserCompany(ctx context.Context, op, userID, tk string) (*model.User, *model.Company, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, storeErr(op, err)
	}
	company, err := e.store.GetCompany(ctx, tk)
	if err != nil {
		return nil, nil, storeErr(op, err)
	}
	return user, company, nil
}

func (e *Engine) observe(side string, start time.Time, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = errs.KindOf(err).String()
	}
	metrics.TradesTotal.WithLabelValues(side, outcome).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	return err
}

// storeErr classifies a storage error.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errs.Wrap(op, errs.NotFound, err)
	case errors.Is(err, store.ErrAlreadyExists):
		return errs.Wrap(op, errs.Conflict, err)
	default:
		return errs.Wrap(op, errs.Internal, err)
	}
}

// newID returns a time-ordered identifier so equal timestamps still sort
// in creation order.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func required(op, field, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", errs.E(op, errs.InvalidInput, "%s is required", field)
	}
	return v, nil
}
