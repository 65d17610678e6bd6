package valuation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/model"
	"github.com/stocksim/trading-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCompute_Empty(t *testing.T) {
	p, err := Compute(model.User{ID: "u1", Balance: d(500)}, nil, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if !p.TotalValue.Equal(d(500)) {
		t.Errorf("total value: got %s, want 500", p.TotalValue)
	}
	if !p.ProfitPct.IsZero() {
		t.Errorf("profit pct with nothing invested should be 0, got %s", p.ProfitPct)
	}
	if p.HoldingsCount != 0 {
		t.Errorf("holdings: got %d", p.HoldingsCount)
	}
}

func TestCompute_GroupsByTicker(t *testing.T) {
	lots := []model.Lot{
		{Ticker: "AAPL", Shares: d(10), AmountUSD: d(1000)},
		{Ticker: "MSFT", Shares: d(2), AmountUSD: d(600)},
		{Ticker: "AAPL", Shares: d(5), AmountUSD: d(400)},
	}
	prices := map[string]decimal.Decimal{"AAPL": d(110), "MSFT": d(250)}

	p, err := Compute(model.User{ID: "u1", Balance: d(100)}, lots, prices, now)
	if err != nil {
		t.Fatal(err)
	}

	// AAPL: 15 * 110 = 1650 ; MSFT: 2 * 250 = 500
	if !p.InvestmentsValue.Equal(d(2150)) {
		t.Errorf("investments: got %s, want 2150", p.InvestmentsValue)
	}
	if !p.TotalInvested.Equal(d(2000)) {
		t.Errorf("invested: got %s, want 2000", p.TotalInvested)
	}
	if !p.Profit.Equal(d(150)) {
		t.Errorf("profit: got %s, want 150", p.Profit)
	}
	if !p.ProfitPct.Equal(d(7.5)) {
		t.Errorf("profit pct: got %s, want 7.5", p.ProfitPct)
	}
	if !p.TotalValue.Equal(d(2250)) {
		t.Errorf("total value: got %s, want 2250", p.TotalValue)
	}
	if p.HoldingsCount != 2 {
		t.Errorf("holdings: got %d, want 2", p.HoldingsCount)
	}
}

func TestCompute_MissingPrice(t *testing.T) {
	lots := []model.Lot{{Ticker: "GONE", Shares: d(1), AmountUSD: d(1)}}
	if _, err := Compute(model.User{ID: "u1"}, lots, map[string]decimal.Decimal{}, now); err == nil {
		t.Fatal("expected error for ticker without price")
	}
}

func TestRecompute_IdempotentAndPersisted(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := s.CreateUser(ctx, &model.User{ID: "u1", Username: "alice", Balance: d(1000)}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateCompany(ctx, &model.Company{Ticker: "AAPL", Price: d(120), TotalShares: 100, AvailableShares: 90}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertLot(ctx, &model.Lot{ID: "l1", UserID: "u1", Ticker: "AAPL", Shares: d(10), AmountUSD: d(1000), PurchasedAt: now}); err != nil {
		t.Fatal(err)
	}

	v := New(s).WithClock(func() time.Time { return now })
	first, err := v.Recompute(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := v.Recompute(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !first.Equal(*second) {
		t.Errorf("recompute not idempotent: %+v vs %+v", first, second)
	}

	saved, err := s.GetPortfolio(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !saved.Equal(*second) {
		t.Errorf("saved snapshot differs from computed one")
	}
	if !saved.ProfitPct.Equal(d(20)) {
		t.Errorf("profit pct: got %s, want 20", saved.ProfitPct)
	}
}

func TestHoldings(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_ = s.CreateCompany(ctx, &model.Company{Ticker: "AAPL", Price: d(50), TotalShares: 100, AvailableShares: 100})
	_ = s.InsertLot(ctx, &model.Lot{ID: "l1", UserID: "u1", Ticker: "AAPL", Shares: d(2), AmountUSD: d(80), PurchasedAt: now})

	holdings, err := New(s).Holdings(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(holdings) != 1 {
		t.Fatalf("holdings: got %d", len(holdings))
	}
	if !holdings[0].Value.Equal(d(100)) || !holdings[0].Profit.Equal(d(20)) {
		t.Errorf("unexpected holding: %+v", holdings[0])
	}
}
