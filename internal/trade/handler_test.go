package trade_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocksim/trading-engine/internal/errs"
	"github.com/stocksim/trading-engine/internal/journal"
	"github.com/stocksim/trading-engine/internal/locks"
	"github.com/stocksim/trading-engine/internal/model"
	"github.com/stocksim/trading-engine/internal/trade"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func decodeBody[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), "body: %s", raw)
	return v
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind errs.Kind
		want int
	}{
		{errs.NotFound, http.StatusNotFound},
		{errs.InvalidInput, http.StatusBadRequest},
		{errs.InsufficientFunds, http.StatusUnprocessableEntity},
		{errs.InsufficientShares, http.StatusUnprocessableEntity},
		{errs.InsufficientInventory, http.StatusUnprocessableEntity},
		{errs.Unauthorized, http.StatusForbidden},
		{errs.Conflict, http.StatusConflict},
		{errs.Busy, http.StatusServiceUnavailable},
		{errs.Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, trade.StatusFor(errs.E("op", tt.kind, "x")))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, trade.StatusFor(errors.New("plain")))
}

func TestHandler_BuySellRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	seedCompany(t, env.store, "AAPL", 175.50, 1_000_000, 750_000)
	seedUser(t, env.store, "user1", 15000)

	w := doJSON(t, env.router, http.MethodPost, "/api/v1/trade/buy",
		trade.BuyRequest{UserID: "user1", Ticker: "aapl", AmountUSD: d(1750)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	buy := decodeBody[trade.BuyResult](t, w.Body.Bytes())
	assert.Equal(t, "AAPL", buy.Ticker)
	assert.True(t, buy.NewPrice.Equal(ds("175.5000875")), "new price %s", buy.NewPrice)
	assert.True(t, buy.Balance.Equal(d(13250)), "balance %s", buy.Balance)
	assert.NotEmpty(t, buy.LotID)

	w = doJSON(t, env.router, http.MethodPost, "/api/v1/trade/sell",
		trade.SellRequest{UserID: "user1", Ticker: "AAPL", Shares: d(5)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sell := decodeBody[trade.SellResult](t, w.Body.Bytes())
	assert.True(t, sell.AmountUSD.Equal(ds("877.5004375")), "proceeds %s", sell.AmountUSD)

	w = doJSON(t, env.router, http.MethodGet, "/api/v1/users/user1/portfolio", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decodeBody[model.Portfolio](t, w.Body.Bytes())
	assert.True(t, p.CashBalance.Equal(ds("14127.5004375")), "cash %s", p.CashBalance)
	assert.Equal(t, 1, p.HoldingsCount)

	w = doJSON(t, env.router, http.MethodGet, "/api/v1/users/user1/lots", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.Lot](t, w.Body.Bytes()), 1)

	w = doJSON(t, env.router, http.MethodGet, "/api/v1/companies/AAPL/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.HistoryPoint](t, w.Body.Bytes()), 2)
}

func TestHandler_ErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	seedCompany(t, env.store, "AAPL", 100, 1_000_000, 1_000_000)
	seedUser(t, env.store, "user1", 50)
	seedUser(t, env.store, "user2", 0)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"insufficient funds", http.MethodPost, "/api/v1/trade/buy",
			trade.BuyRequest{UserID: "user1", Ticker: "AAPL", AmountUSD: d(100)}, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"insufficient shares", http.MethodPost, "/api/v1/trade/sell",
			trade.SellRequest{UserID: "user1", Ticker: "AAPL", Shares: d(1)}, http.StatusUnprocessableEntity, "insufficient_shares"},
		{"missing user id", http.MethodPost, "/api/v1/trade/buy",
			trade.BuyRequest{Ticker: "AAPL", AmountUSD: d(1)}, http.StatusBadRequest, "invalid_input"},
		{"bad ticker", http.MethodPost, "/api/v1/trade/buy",
			trade.BuyRequest{UserID: "user1", Ticker: "A1", AmountUSD: d(1)}, http.StatusBadRequest, "invalid_input"},
		{"unknown company", http.MethodGet, "/api/v1/companies/ZZZ", nil, http.StatusNotFound, "not_found"},
		{"unknown user portfolio", http.MethodGet, "/api/v1/users/ghost/portfolio", nil, http.StatusNotFound, "not_found"},
		{"history in the future", http.MethodGet, "/api/v1/companies/AAPL/history?to=" + future, nil, http.StatusBadRequest, "invalid_input"},
		{"history bad timestamp", http.MethodGet, "/api/v1/companies/AAPL/history?from=yesterday", nil, http.StatusBadRequest, "invalid_input"},
		{"self transfer", http.MethodPost, "/api/v1/users/user1/transfers/send",
			trade.SendRequest{ToUserID: "user1", Amount: d(1)}, http.StatusBadRequest, "invalid_input"},
		{"duplicate company", http.MethodPost, "/api/v1/companies",
			trade.CompanyInput{Ticker: "AAPL", Name: "Apple", Price: d(1), TotalShares: 1}, http.StatusConflict, "conflict"},
		{"non-positive price", http.MethodPut, "/api/v1/companies/AAPL/price",
			trade.PriceRequest{Price: decimal.Zero}, http.StatusBadRequest, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, env.router, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			body := decodeBody[errorBody](t, w.Body.Bytes())
			assert.Equal(t, tt.kind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestHandler_MalformedBody(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.router, http.MethodPost, "/api/v1/trade/buy", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_BusyIsRetryable(t *testing.T) {
	env := newTestEnv(t, withLockTimeout(20*time.Millisecond))
	seedCompany(t, env.store, "AAPL", 100, 1_000_000, 1_000_000)
	seedUser(t, env.store, "user1", 1000)

	release, err := env.locks.Acquire(t.Context(), locks.User("user1"))
	require.NoError(t, err)
	defer release()

	w := doJSON(t, env.router, http.MethodPost, "/api/v1/trade/buy",
		trade.BuyRequest{UserID: "user1", Ticker: "AAPL", AmountUSD: d(10)})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHandler_UsersAndTransfers(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.router, http.MethodPost, "/api/v1/users",
		trade.CreateUserRequest{Username: "alice", Email: "alice@example.com", Balance: d(100)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	alice := decodeBody[model.User](t, w.Body.Bytes())

	w = doJSON(t, env.router, http.MethodPost, "/api/v1/users",
		trade.CreateUserRequest{Username: "alice"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, env.router, http.MethodPost, "/api/v1/users/"+alice.ID+"/deposit", trade.AmountRequest{Amount: d(50)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[model.User](t, w.Body.Bytes()).Balance.Equal(d(150)))

	w = doJSON(t, env.router, http.MethodPost, "/api/v1/users/"+alice.ID+"/transfers",
		trade.TransferRequest{Amount: d(40), Recipient: "DE89370400440532013000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tr := decodeBody[model.Transfer](t, w.Body.Bytes())
	assert.True(t, tr.Amount.Equal(d(-40)))

	w = doJSON(t, env.router, http.MethodGet, "/api/v1/users/"+alice.ID+"/transfers/total", nil)
	require.Equal(t, http.StatusOK, w.Code)
	totals := decodeBody[trade.TransferTotals](t, w.Body.Bytes())
	assert.Equal(t, 1, totals.Count)
	assert.True(t, totals.Outgoing.Equal(d(40)))

	w = doJSON(t, env.router, http.MethodDelete, "/api/v1/users/someone-else/transfers/"+tr.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, env.router, http.MethodDelete, "/api/v1/users/"+alice.ID+"/transfers/"+tr.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, env.router, http.MethodGet, "/api/v1/users/"+alice.ID+"/transfers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]model.Transfer](t, w.Body.Bytes()))
}

func TestHandler_AdminRecalculate(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.store, "user1", 10)

	w := doJSON(t, env.router, http.MethodPost, "/api/v1/admin/recalculate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]int{"failed": 0}, decodeBody[map[string]int](t, w.Body.Bytes()))
}

func TestHandler_Activity(t *testing.T) {
	j, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	env := newTestEnv(t, withJournal(j))
	seedCompany(t, env.store, "AAPL", 100, 1_000_000, 1_000_000)
	seedUser(t, env.store, "user1", 10_000)

	for i := 0; i < 3; i++ {
		w := doJSON(t, env.router, http.MethodPost, "/api/v1/trade/buy",
			trade.BuyRequest{UserID: "user1", Ticker: "AAPL", AmountUSD: decimal.NewFromInt(500)})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	w := doJSON(t, env.router, http.MethodPost, "/api/v1/trade/sell",
		trade.SellRequest{UserID: "user1", Ticker: "AAPL", Shares: decimal.NewFromInt(1)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, env.router, http.MethodGet, "/api/v1/activity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decodeBody[[]journal.Record](t, w.Body.Bytes())
	require.Len(t, all, 4)
	assert.Equal(t, journal.KindSell, all[3].Entry.Kind)
	assert.Equal(t, "user1", all[0].Entry.UserID)

	w = doJSON(t, env.router, http.MethodGet, "/api/v1/activity?after=1&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decodeBody[[]journal.Record](t, w.Body.Bytes())
	require.Len(t, page, 2)
	assert.EqualValues(t, 2, page[0].Index)
	assert.EqualValues(t, 3, page[1].Index)
	assert.True(t, page[0].Entry.OldPrice.Equal(all[0].Entry.NewPrice))

	w = doJSON(t, env.router, http.MethodGet, "/api/v1/activity?after=4", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]journal.Record](t, w.Body.Bytes()))

	w = doJSON(t, env.router, http.MethodGet, "/api/v1/activity?after=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(t, env.router, http.MethodGet, "/api/v1/activity?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ActivityWithoutReadableJournal(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.router, http.MethodGet, "/api/v1/activity", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeBody[errorBody](t, w.Body.Bytes()).Kind)
}
