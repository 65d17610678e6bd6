package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocksim/trading-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var t0 = time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, &model.User{ID: "u1", Username: "alice", Balance: d(1000), CreatedAt: t0}))
	require.NoError(t, s.CreateCompany(ctx, &model.Company{
		Ticker: "AAPL", Name: "Apple", Price: d(100), TotalShares: 1000, AvailableShares: 1000,
	}))
}

func TestMemoryStore_CopyOut(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	u.Balance = d(1)

	again, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, again.Balance.Equal(d(1000)), "mutating a returned user must not touch the store")
}

func TestMemoryStore_Duplicates(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	err := s.CreateUser(ctx, &model.User{ID: "u2", Username: "alice"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	err = s.CreateCompany(ctx, &model.Company{Ticker: "AAPL", Price: d(1), TotalShares: 1})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetCompany(ctx, "ZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetPortfolio(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateUserBalance(ctx, "ghost", d(1)), ErrNotFound)
	assert.ErrorIs(t, s.DeleteTransfer(ctx, "nope"), ErrNotFound)
	assert.NoError(t, s.UpdateLotProfit(ctx, "nope", d(1)), "profit update of a vanished lot is a no-op")
}

func TestMemoryStore_TransactionCommit(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, s.UpdateUserBalance(ctx, "u1", d(900)))
		require.NoError(t, s.UpdateCompanyState(ctx, "AAPL", d(101), 999))
		require.NoError(t, s.InsertLot(ctx, &model.Lot{
			ID: "l1", UserID: "u1", Ticker: "AAPL", Shares: d(1), AmountUSD: d(100), PurchasedAt: t0,
		}))
		require.NoError(t, s.AppendHistory(ctx, &model.HistoryPoint{ID: "h1", Ticker: "AAPL", Price: d(101), Timestamp: t0}))

		// Reads inside the transaction see its own writes.
		u, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, u.Balance.Equal(d(900)))
		lots, err := s.GetUserLots(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, lots, 1)

		// Outside readers do not.
		outside, err := s.GetUser(context.Background(), "u1")
		require.NoError(t, err)
		assert.True(t, outside.Balance.Equal(d(1000)))
		return nil
	})
	require.NoError(t, err)

	u, _ := s.GetUser(ctx, "u1")
	assert.True(t, u.Balance.Equal(d(900)))
	c, _ := s.GetCompany(ctx, "AAPL")
	assert.True(t, c.Price.Equal(d(101)))
	assert.EqualValues(t, 999, c.AvailableShares)
	lots, _ := s.GetTickerLots(ctx, "AAPL")
	assert.Len(t, lots, 1)
	hist, _ := s.GetHistory(ctx, "AAPL", time.Time{}, time.Time{})
	assert.Len(t, hist, 1)
}

func TestMemoryStore_TransactionRollback(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, s.UpdateUserBalance(ctx, "u1", d(0)))
		require.NoError(t, s.UpdateCompanyState(ctx, "AAPL", d(200), 10))
		require.NoError(t, s.InsertLot(ctx, &model.Lot{ID: "l1", UserID: "u1", Ticker: "AAPL", Shares: d(1), PurchasedAt: t0}))
		require.NoError(t, s.AppendHistory(ctx, &model.HistoryPoint{ID: "h1", Ticker: "AAPL", Price: d(200), Timestamp: t0}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	u, _ := s.GetUser(ctx, "u1")
	assert.True(t, u.Balance.Equal(d(1000)))
	c, _ := s.GetCompany(ctx, "AAPL")
	assert.True(t, c.Price.Equal(d(100)))
	assert.EqualValues(t, 1000, c.AvailableShares)
	lots, _ := s.GetUserLots(ctx, "u1")
	assert.Empty(t, lots)
	hist, _ := s.GetHistory(ctx, "AAPL", time.Time{}, time.Time{})
	assert.Empty(t, hist)
}

func TestMemoryStore_TransactionDeleteAndUpdateLots(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	for i, id := range []string{"l1", "l2", "l3"} {
		require.NoError(t, s.InsertLot(ctx, &model.Lot{
			ID: id, UserID: "u1", Ticker: "AAPL", Shares: d(10), AmountUSD: d(100),
			PurchasedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, s.DeleteLot(ctx, "l1"))
		require.NoError(t, s.UpdateLot(ctx, &model.Lot{ID: "l2", Shares: d(5), AmountUSD: d(50)}))

		lots, err := s.GetUserTickerLots(ctx, "u1", "AAPL")
		require.NoError(t, err)
		require.Len(t, lots, 2)
		assert.Equal(t, "l2", lots[0].ID)
		assert.True(t, lots[0].Shares.Equal(d(5)))

		assert.ErrorIs(t, s.DeleteLot(ctx, "l1"), ErrNotFound, "deleted inside the same transaction")
		return nil
	})
	require.NoError(t, err)

	lots, err := s.GetUserTickerLots(ctx, "u1", "AAPL")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, []string{"l2", "l3"}, []string{lots[0].ID, lots[1].ID})
	assert.True(t, lots[0].AmountUSD.Equal(d(50)))
}

func TestMemoryStore_CommitRejectsConflictingCreate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.WithinTransaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, s.CreateUser(txCtx, &model.User{ID: "u1", Username: "alice"}))
		require.NoError(t, s.InsertTransfer(txCtx, &model.Transfer{ID: "t1", UserID: "u1", Amount: d(-5)}))
		// A concurrent writer takes the username first.
		require.NoError(t, s.CreateUser(ctx, &model.User{ID: "u9", Username: "alice"}))
		return nil
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.GetTransfer(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound, "failed commit must not apply any write")
}

func TestMemoryStore_LotOrdering(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	require.NoError(t, s.CreateCompany(ctx, &model.Company{Ticker: "MSFT", Price: d(10), TotalShares: 10, AvailableShares: 10}))

	require.NoError(t, s.InsertLot(ctx, &model.Lot{ID: "b", UserID: "u1", Ticker: "MSFT", Shares: d(1), PurchasedAt: t0.Add(time.Hour)}))
	require.NoError(t, s.InsertLot(ctx, &model.Lot{ID: "a", UserID: "u1", Ticker: "AAPL", Shares: d(1), PurchasedAt: t0}))
	require.NoError(t, s.InsertLot(ctx, &model.Lot{ID: "c", UserID: "u1", Ticker: "AAPL", Shares: d(1), PurchasedAt: t0}))
	require.NoError(t, s.InsertLot(ctx, &model.Lot{ID: "x", UserID: "u2", Ticker: "AAPL", Shares: d(1), PurchasedAt: t0}))

	lots, err := s.GetUserLots(ctx, "u1")
	require.NoError(t, err)
	var ids []string
	for _, l := range lots {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{"a", "c", "b"}, ids)

	byTicker, err := s.GetTickerLots(ctx, "AAPL")
	require.NoError(t, err)
	assert.Len(t, byTicker, 3)
}

func TestMemoryStore_HistoryRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendHistory(ctx, &model.HistoryPoint{
			ID: string(rune('a' + i)), Ticker: "AAPL", Price: d(float64(100 + i)),
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := s.GetHistory(ctx, "AAPL", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	mid, err := s.GetHistory(ctx, "AAPL", t0.Add(time.Hour), t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, mid, 3)
	assert.True(t, mid[0].Price.Equal(d(101)))
	assert.True(t, mid[2].Price.Equal(d(103)))

	none, err := s.GetHistory(ctx, "MSFT", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestMemoryStore_Transfers(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.InsertTransfer(ctx, &model.Transfer{ID: "t2", UserID: "u1", Amount: d(-20), Recipient: "IBAN", CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, s.InsertTransfer(ctx, &model.Transfer{ID: "t1", UserID: "u1", Amount: d(-10), Recipient: "IBAN", CreatedAt: t0}))
	require.NoError(t, s.InsertTransfer(ctx, &model.Transfer{ID: "t3", UserID: "u2", Amount: d(10), Recipient: "u1", CreatedAt: t0}))

	list, err := s.ListTransfers(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t1", list[0].ID)

	require.NoError(t, s.WithinTransaction(ctx, func(ctx context.Context) error {
		return s.DeleteTransfer(ctx, "t1")
	}))
	list, _ = s.ListTransfers(ctx, "u1")
	assert.Len(t, list, 1)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/x", migrateURL("postgres://u:p@db:5432/x"))
	assert.Equal(t, "pgx5://u@db/x", migrateURL("postgresql://u@db/x"))
	assert.Equal(t, "pgx5://already", migrateURL("pgx5://already"))
}
