package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/journal"
	"github.com/stocksim/trading-engine/internal/locks"
	"github.com/stocksim/trading-engine/internal/model"
	"github.com/stocksim/trading-engine/internal/pricing"
	"github.com/stocksim/trading-engine/internal/store"
	"github.com/stocksim/trading-engine/internal/sweep"
	"github.com/stocksim/trading-engine/internal/trade"
	"github.com/stocksim/trading-engine/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ds(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	engine  *trade.Engine
	store   *store.MemoryStore
	locks   *locks.Manager
	sweep   *sweep.Sweeper
	journal *memJournal
	router  chi.Router
}

type envConfig struct {
	st          store.Store
	model       *pricing.Model
	lockTimeout time.Duration
	journal     trade.Journal
}

type envOption func(*envConfig)

func withStore(st store.Store) envOption        { return func(c *envConfig) { c.st = st } }
func withModel(m *pricing.Model) envOption      { return func(c *envConfig) { c.model = m } }
func withLockTimeout(d time.Duration) envOption { return func(c *envConfig) { c.lockTimeout = d } }
func withJournal(j trade.Journal) envOption     { return func(c *envConfig) { c.journal = j } }

// newTestEnv creates an Engine over an in-memory store with a chi router.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	cfg := envConfig{st: ms, model: pricing.Default(), lockTimeout: 2 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	lm := locks.NewManager(cfg.lockTimeout)
	v := valuation.New(cfg.st)
	sw := sweep.New(cfg.st, lm, v, sweep.Config{MaxAttempts: 2, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	t.Cleanup(sw.Stop)

	j := &memJournal{}
	if cfg.journal == nil {
		cfg.journal = j
	}
	eng := trade.NewEngine(cfg.st, lm, cfg.model, v, sw, trade.WithJournal(cfg.journal))

	r := chi.NewRouter()
	r.Route("/api/v1", trade.NewHandler(eng).Routes)

	return &testEnv{engine: eng, store: ms, locks: lm, sweep: sw, journal: j, router: r}
}

// memJournal collects appended entries.
type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Append(e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) kinds() []journal.Kind {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []journal.Kind
	for _, e := range j.entries {
		out = append(out, e.Kind)
	}
	return out
}

func (j *memJournal) all() []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Entry(nil), j.entries...)
}

// seedCompany creates a company directly in the store.
func seedCompany(t *testing.T, ms *store.MemoryStore, tk string, price float64, total, available int64) {
	t.Helper()
	c := &model.Company{
		Ticker:          tk,
		Name:            tk + " Inc.",
		Price:           d(price),
		TotalShares:     total,
		AvailableShares: available,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := ms.CreateCompany(context.Background(), c); err != nil {
		t.Fatalf("failed to seed company: %v", err)
	}
}

// seedUser creates a user directly in the store.
func seedUser(t *testing.T, ms *store.MemoryStore, id string, balance float64) {
	t.Helper()
	u := &model.User{ID: id, Username: id, Balance: d(balance), CreatedAt: time.Now().UTC()}
	if err := ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func seedLot(t *testing.T, ms *store.MemoryStore, id, userID, tk string, shares, amount float64, at time.Time) {
	t.Helper()
	lot := &model.Lot{ID: id, UserID: userID, Ticker: tk, Shares: d(shares), AmountUSD: d(amount), PurchasedAt: at}
	if err := ms.InsertLot(context.Background(), lot); err != nil {
		t.Fatalf("failed to seed lot: %v", err)
	}
}

func mustUser(t *testing.T, st store.Store, id string) *model.User {
	t.Helper()
	u, err := st.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return u
}

func mustCompany(t *testing.T, st store.Store, tk string) *model.Company {
	t.Helper()
	c, err := st.GetCompany(context.Background(), tk)
	if err != nil {
		t.Fatalf("get company %s: %v", tk, err)
	}
	return c
}

func mustLots(t *testing.T, st store.Store, userID, tk string) []model.Lot {
	t.Helper()
	lots, err := st.GetUserTickerLots(context.Background(), userID, tk)
	if err != nil {
		t.Fatalf("get lots: %v", err)
	}
	return lots
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
