package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stocksim/trading-engine/internal/errs"
	"github.com/stocksim/trading-engine/internal/journal"
	"github.com/stocksim/trading-engine/internal/locks"
	"github.com/stocksim/trading-engine/internal/model"
	"github.com/stocksim/trading-engine/internal/store"
	"github.com/stocksim/trading-engine/internal/ticker"
	"github.com/stocksim/trading-engine/internal/valuation"
)

// GetPortfolio returns the user's snapshot, computing it on first access.
func (e *Engine) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	const op = "trade.GetPortfolio"

	p, err := e.store.GetPortfolio(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, storeErr(op, err)
	}

	err = e.withLocks(ctx, op, func() error {
		p, err = e.valuator.Recompute(ctx, userID)
		return err
	}, locks.User(userID))
	if err != nil {
		return nil, storeErr(op, err)
	}
	return p, nil
}

// GetLots returns the user's lots, oldest first.
func (e *Engine) GetLots(ctx context.Context, userID string) ([]model.Lot, error) {
	const op = "trade.GetLots"
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return nil, storeErr(op, err)
	}
	lots, err := e.store.GetUserLots(ctx, userID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if lots == nil {
		lots = []model.Lot{}
	}
	return lots, nil
}

// GetHoldings returns the user's per-ticker positions at current prices.
func (e *Engine) GetHoldings(ctx context.Context, userID string) ([]valuation.Holding, error) {
	const op = "trade.GetHoldings"
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return nil, storeErr(op, err)
	}
	holdings, err := e.valuator.Holdings(ctx, userID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if holdings == nil {
		holdings = []valuation.Holding{}
	}
	return holdings, nil
}

// GetHistory returns price points for ticker in [from, to]. Zero bounds
// are open. Bounds may not lie in the future.
func (e *Engine) GetHistory(ctx context.Context, rawTicker string, from, to time.Time) ([]model.HistoryPoint, error) {
	const op = "trade.GetHistory"

	tk, err := ticker.Parse(rawTicker)
	if err != nil {
		return nil, errs.Wrap(op, errs.InvalidInput, err)
	}
	now := e.now()
	if !from.IsZero() && from.After(now) {
		return nil, errs.E(op, errs.InvalidInput, "from is in the future")
	}
	if !to.IsZero() && to.After(now) {
		return nil, errs.E(op, errs.InvalidInput, "to is in the future")
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return nil, errs.E(op, errs.InvalidInput, "from must not be after to")
	}
	if _, err := e.store.GetCompany(ctx, tk); err != nil {
		return nil, storeErr(op, err)
	}

	points, err := e.store.GetHistory(ctx, tk, from, to)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if points == nil {
		points = []model.HistoryPoint{}
	}
	return points, nil
}

// ConsolidateLots merges adjacent lots of one holding that share a unit
// cost. Total shares, cost basis and FIFO order are unchanged. It returns
// the number of lots removed.
func (e *Engine) ConsolidateLots(ctx context.Context, userID, rawTicker string) (int, error) {
	const op = "trade.ConsolidateLots"

	tk, err := ticker.Parse(rawTicker)
	if err != nil {
		return 0, errs.Wrap(op, errs.InvalidInput, err)
	}

	var merged int
	err = e.withLocks(ctx, op, func() error {
		return e.store.WithinTransaction(ctx, func(ctx context.Context) error {
			if _, err := e.store.GetUser(ctx, userID); err != nil {
				return storeErr(op, err)
			}
			lots, err := e.store.GetUserTickerLots(ctx, userID, tk)
			if err != nil {
				return storeErr(op, err)
			}
			merged, err = e.mergeAdjacent(ctx, op, lots)
			return err
		})
	}, locks.User(userID), locks.Company(tk))
	if err != nil {
		return 0, err
	}
	if merged > 0 {
		slog.Info("lots consolidated", "user", userID, "ticker", tk, "removed", merged)
	}
	return merged, nil
}

func (e *Engine) mergeAdjacent(ctx context.Context, op string, lots []model.Lot) (int, error) {
	if len(lots) < 2 {
		return 0, nil
	}
	merged := 0
	head := lots[0]
	dirty := false
	for _, lot := range lots[1:] {
		// Cross-multiplied to compare unit costs without division rounding.
		if head.AmountUSD.Mul(lot.Shares).Equal(lot.AmountUSD.Mul(head.Shares)) {
			head.Shares = head.Shares.Add(lot.Shares)
			head.AmountUSD = head.AmountUSD.Add(lot.AmountUSD)
			head.Profit = head.Profit.Add(lot.Profit)
			if err := e.store.DeleteLot(ctx, lot.ID); err != nil {
				return merged, storeErr(op, err)
			}
			merged++
			dirty = true
			continue
		}
		if dirty {
			if err := e.store.UpdateLot(ctx, &head); err != nil {
				return merged, storeErr(op, err)
			}
		}
		head, dirty = lot, false
	}
	if dirty {
		if err := e.store.UpdateLot(ctx, &head); err != nil {
			return merged, storeErr(op, err)
		}
	}
	return merged, nil
}

// RecalculateAll recomputes every user's snapshot and returns how many
// could not be recomputed.
func (e *Engine) RecalculateAll(ctx context.Context) (int, error) {
	failed, err := e.sweeper.RecalculateAll(ctx)
	if err != nil {
		return failed, storeErr("trade.RecalculateAll", err)
	}
	return failed, nil
}

const (
	defaultActivityLimit = 100
	maxActivityLimit     = 1000
)

// Activity returns up to limit journaled events with an index greater than
// after, oldest first. A limit of 0 means the default page size.
func (e *Engine) Activity(ctx context.Context, after uint64, limit int) ([]journal.Record, error) {
	const op = "trade.Activity"
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(op, errs.Internal, err)
	}
	switch {
	case limit < 0:
		return nil, errs.E(op, errs.InvalidInput, "limit must not be negative")
	case limit == 0:
		limit = defaultActivityLimit
	case limit > maxActivityLimit:
		limit = maxActivityLimit
	}

	reader, ok := e.journal.(JournalReader)
	if !ok {
		return nil, errs.E(op, errs.NotFound, "trade journal is not enabled")
	}
	records, err := reader.After(after)
	if err != nil {
		return nil, errs.Wrap(op, errs.Internal, err)
	}
	if len(records) > limit {
		records = records[:limit]
	}
	if records == nil {
		records = []journal.Record{}
	}
	return records, nil
}
