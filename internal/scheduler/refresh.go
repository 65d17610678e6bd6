package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/metrics"
	"github.com/stocksim/trading-engine/internal/model"
)

// QuoteSource supplies reference prices.
type QuoteSource interface {
	Price(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// PriceSetter applies reference prices to listed companies.
type PriceSetter interface {
	ListCompanies(ctx context.Context) ([]model.Company, error)
	SetExternalPrice(ctx context.Context, ticker string, price decimal.Decimal) (decimal.Decimal, error)
}

// PriceRefresher pulls a quote for every listed company and applies it.
type PriceRefresher struct {
	quotes QuoteSource
	engine PriceSetter
}

func NewPriceRefresher(q QuoteSource, e PriceSetter) *PriceRefresher {
	return &PriceRefresher{quotes: q, engine: e}
}

// RefreshResult counts the outcome of one refresh pass.
type RefreshResult struct {
	Applied int
	Skipped int
	Failed  int
}

// Refresh runs one pass. A failed or non-positive quote leaves the
// company's price untouched; other companies are still refreshed.
func (r *PriceRefresher) Refresh(ctx context.Context) (RefreshResult, error) {
	var res RefreshResult
	companies, err := r.engine.ListCompanies(ctx)
	if err != nil {
		return res, err
	}

	for _, c := range companies {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		price, err := r.quotes.Price(ctx, c.Ticker)
		if err == nil && !price.IsPositive() {
			err = errors.New("non-positive quote")
		}
		if err != nil {
			slog.Warn("quote skipped", "ticker", c.Ticker, "error", err)
			metrics.PriceRefreshes.WithLabelValues("skipped").Inc()
			res.Skipped++
			continue
		}

		if _, err := r.engine.SetExternalPrice(ctx, c.Ticker, price); err != nil {
			slog.Error("apply quote failed", "ticker", c.Ticker, "price", price.String(), "error", err)
			metrics.PriceRefreshes.WithLabelValues("failed").Inc()
			res.Failed++
			continue
		}
		metrics.PriceRefreshes.WithLabelValues("applied").Inc()
		res.Applied++
	}

	slog.Info("price refresh finished", "applied", res.Applied, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// Job adapts Refresh to a scheduled task.
func (r *PriceRefresher) Job(ctx context.Context) error {
	_, err := r.Refresh(ctx)
	return err
}
