package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values and share quantities are stored as NUMERIC for exact
// decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTxKey struct{}

// WithinTransaction runs fn within a transaction carried in the context.
// Nested calls join the outer transaction.
func (s *PostgresStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if extractTx(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				slog.Error("failed to rollback transaction", "error", rbErr)
			}
		}
	}()

	if err = fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func extractTx(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(pgTxKey{}).(pgx.Tx)
	return tx
}

// q returns the transaction in ctx if present, otherwise the pool.
func (s *PostgresStore) q(ctx context.Context) querier {
	if tx := extractTx(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// forUpdate appends a row lock to reads issued inside a transaction so
// concurrent engine instances serialize on the same rows.
func forUpdate(ctx context.Context) string {
	if extractTx(ctx) != nil {
		return " FOR UPDATE"
	}
	return ""
}

func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func mustAffect(tag pgconn.CommandTag, what string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO users (id, username, email, balance, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		u.ID, u.Username, u.Email, u.Balance.String(), u.CreatedAt,
	)
	return mapErr(err, "create user "+u.Username)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string
	err := s.q(ctx).QueryRow(ctx,
		`SELECT id, username, email, balance::TEXT, created_at
		 FROM users WHERE id = $1`+forUpdate(ctx), id).
		Scan(&u.ID, &u.Username, &u.Email, &balance, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "get user "+id)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, username, email, balance::TEXT, created_at
		 FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var balance string
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &balance, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Balance, _ = decimal.NewFromString(balance)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE users SET balance = $1::NUMERIC WHERE id = $2`,
		balance.String(), id,
	)
	if err != nil {
		return mapErr(err, "update balance "+id)
	}
	return mustAffect(tag, "user "+id)
}

// --- Companies ---

func (s *PostgresStore) CreateCompany(ctx context.Context, c *model.Company) error {
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO companies (ticker, name, price, total_shares, available_shares, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		c.Ticker, c.Name, c.Price.String(), c.TotalShares, c.AvailableShares, c.UpdatedAt,
	)
	return mapErr(err, "create company "+c.Ticker)
}

func (s *PostgresStore) GetCompany(ctx context.Context, ticker string) (*model.Company, error) {
	var c model.Company
	var price string
	err := s.q(ctx).QueryRow(ctx,
		`SELECT ticker, name, price::TEXT, total_shares, available_shares, updated_at
		 FROM companies WHERE ticker = $1`+forUpdate(ctx), ticker).
		Scan(&c.Ticker, &c.Name, &price, &c.TotalShares, &c.AvailableShares, &c.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "get company "+ticker)
	}
	c.Price, _ = decimal.NewFromString(price)
	return &c, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT ticker, name, price::TEXT, total_shares, available_shares, updated_at
		 FROM companies ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		var c model.Company
		var price string
		if err := rows.Scan(&c.Ticker, &c.Name, &price, &c.TotalShares, &c.AvailableShares, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Price, _ = decimal.NewFromString(price)
		companies = append(companies, c)
	}
	return companies, rows.Err()
}

func (s *PostgresStore) UpdateCompanyState(ctx context.Context, ticker string, price decimal.Decimal, available int64) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE companies SET price = $1::NUMERIC, available_shares = $2, updated_at = NOW()
		 WHERE ticker = $3`,
		price.String(), available, ticker,
	)
	if err != nil {
		return mapErr(err, "update company "+ticker)
	}
	return mustAffect(tag, "company "+ticker)
}

// --- Lots ---

const lotColumns = `id, user_id, ticker, shares::TEXT, amount_usd::TEXT, profit::TEXT, purchased_at`

func (s *PostgresStore) InsertLot(ctx context.Context, lot *model.Lot) error {
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO lots (id, user_id, ticker, shares, amount_usd, profit, purchased_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		lot.ID, lot.UserID, lot.Ticker,
		lot.Shares.String(), lot.AmountUSD.String(), lot.Profit.String(),
		lot.PurchasedAt,
	)
	return mapErr(err, "insert lot "+lot.ID)
}

func (s *PostgresStore) UpdateLot(ctx context.Context, lot *model.Lot) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE lots SET shares = $1::NUMERIC, amount_usd = $2::NUMERIC, profit = $3::NUMERIC
		 WHERE id = $4`,
		lot.Shares.String(), lot.AmountUSD.String(), lot.Profit.String(), lot.ID,
	)
	if err != nil {
		return mapErr(err, "update lot "+lot.ID)
	}
	return mustAffect(tag, "lot "+lot.ID)
}

func (s *PostgresStore) DeleteLot(ctx context.Context, id string) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM lots WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "delete lot "+id)
	}
	return mustAffect(tag, "lot "+id)
}

func (s *PostgresStore) UpdateLotProfit(ctx context.Context, id string, profit decimal.Decimal) error {
	_, err := s.q(ctx).Exec(ctx,
		`UPDATE lots SET profit = $1::NUMERIC WHERE id = $2`,
		profit.String(), id,
	)
	return mapErr(err, "update lot profit "+id)
}

func (s *PostgresStore) GetUserLots(ctx context.Context, userID string) ([]model.Lot, error) {
	return s.queryLots(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE user_id = $1 ORDER BY purchased_at, id`, userID)
}

func (s *PostgresStore) GetUserTickerLots(ctx context.Context, userID, ticker string) ([]model.Lot, error) {
	return s.queryLots(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE user_id = $1 AND ticker = $2
		 ORDER BY purchased_at, id`+forUpdate(ctx), userID, ticker)
}

func (s *PostgresStore) GetTickerLots(ctx context.Context, ticker string) ([]model.Lot, error) {
	return s.queryLots(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE ticker = $1 ORDER BY purchased_at, id`, ticker)
}

func (s *PostgresStore) queryLots(ctx context.Context, sql string, args ...any) ([]model.Lot, error) {
	rows, err := s.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		var l model.Lot
		var shares, amount, profit string
		if err := rows.Scan(&l.ID, &l.UserID, &l.Ticker, &shares, &amount, &profit, &l.PurchasedAt); err != nil {
			return nil, err
		}
		l.Shares, _ = decimal.NewFromString(shares)
		l.AmountUSD, _ = decimal.NewFromString(amount)
		l.Profit, _ = decimal.NewFromString(profit)
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

// --- History ---

func (s *PostgresStore) AppendHistory(ctx context.Context, p *model.HistoryPoint) error {
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO price_history (id, ticker, price, ts) VALUES ($1, $2, $3::NUMERIC, $4)`,
		p.ID, p.Ticker, p.Price.String(), p.Timestamp,
	)
	return mapErr(err, "append history "+p.Ticker)
}

func (s *PostgresStore) GetHistory(ctx context.Context, ticker string, from, to time.Time) ([]model.HistoryPoint, error) {
	var fromArg, toArg any
	if !from.IsZero() {
		fromArg = from
	}
	if !to.IsZero() {
		toArg = to
	}
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, ticker, price::TEXT, ts FROM price_history
		 WHERE ticker = $1
		   AND ($2::TIMESTAMPTZ IS NULL OR ts >= $2)
		   AND ($3::TIMESTAMPTZ IS NULL OR ts <= $3)
		 ORDER BY ts, id`, ticker, fromArg, toArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []model.HistoryPoint{}
	for rows.Next() {
		var p model.HistoryPoint
		var price string
		if err := rows.Scan(&p.ID, &p.Ticker, &price, &p.Timestamp); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(price)
		points = append(points, p)
	}
	return points, rows.Err()
}

// --- Portfolios ---

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var cash, investments, invested, total, profit, pct string
	err := s.q(ctx).QueryRow(ctx,
		`SELECT user_id, cash_balance::TEXT, investments_value::TEXT, total_invested::TEXT,
		        total_value::TEXT, profit::TEXT, profit_pct::TEXT, holdings_count, last_updated
		 FROM portfolios WHERE user_id = $1`, userID).
		Scan(&p.UserID, &cash, &investments, &invested, &total, &profit, &pct,
			&p.HoldingsCount, &p.LastUpdated)
	if err != nil {
		return nil, mapErr(err, "get portfolio "+userID)
	}
	p.CashBalance, _ = decimal.NewFromString(cash)
	p.InvestmentsValue, _ = decimal.NewFromString(investments)
	p.TotalInvested, _ = decimal.NewFromString(invested)
	p.TotalValue, _ = decimal.NewFromString(total)
	p.Profit, _ = decimal.NewFromString(profit)
	p.ProfitPct, _ = decimal.NewFromString(pct)
	return &p, nil
}

func (s *PostgresStore) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO portfolios (user_id, cash_balance, investments_value, total_invested,
		                         total_value, profit, profit_pct, holdings_count, last_updated)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (user_id) DO UPDATE SET
		   cash_balance = EXCLUDED.cash_balance,
		   investments_value = EXCLUDED.investments_value,
		   total_invested = EXCLUDED.total_invested,
		   total_value = EXCLUDED.total_value,
		   profit = EXCLUDED.profit,
		   profit_pct = EXCLUDED.profit_pct,
		   holdings_count = EXCLUDED.holdings_count,
		   last_updated = EXCLUDED.last_updated`,
		p.UserID, p.CashBalance.String(), p.InvestmentsValue.String(), p.TotalInvested.String(),
		p.TotalValue.String(), p.Profit.String(), p.ProfitPct.String(),
		p.HoldingsCount, p.LastUpdated,
	)
	return mapErr(err, "save portfolio "+p.UserID)
}

// --- Transfers ---

func (s *PostgresStore) InsertTransfer(ctx context.Context, t *model.Transfer) error {
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO transfers (id, user_id, amount, recipient, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		t.ID, t.UserID, t.Amount.String(), t.Recipient, t.CreatedAt,
	)
	return mapErr(err, "insert transfer "+t.ID)
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	var t model.Transfer
	var amount string
	err := s.q(ctx).QueryRow(ctx,
		`SELECT id, user_id, amount::TEXT, recipient, created_at FROM transfers WHERE id = $1`, id).
		Scan(&t.ID, &t.UserID, &amount, &t.Recipient, &t.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "get transfer "+id)
	}
	t.Amount, _ = decimal.NewFromString(amount)
	return &t, nil
}

func (s *PostgresStore) ListTransfers(ctx context.Context, userID string) ([]model.Transfer, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, user_id, amount::TEXT, recipient, created_at FROM transfers
		 WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []model.Transfer
	for rows.Next() {
		var t model.Transfer
		var amount string
		if err := rows.Scan(&t.ID, &t.UserID, &amount, &t.Recipient, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func (s *PostgresStore) DeleteTransfer(ctx context.Context, id string) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM transfers WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "delete transfer "+id)
	}
	return mustAffect(tag, "transfer "+id)
}
