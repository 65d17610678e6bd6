package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for companies and portfolio snapshots. Writes go to the primary
// store and invalidate the cache; reads check Redis first then fall back
// to the primary. Reads inside a transaction always hit the primary so
// uncommitted state is never cached.
//
// Every cached key has a generation counter that invalidation bumps. A
// reader that missed the cache only stores what it read from the primary
// if the generation is unchanged, so a value superseded while the read was
// in flight is never written back.
type CachedStore struct {
	primary Store
	rdb     Cache
	ttl     time.Duration
}

// Cache is the subset of the Redis client used by CachedStore.
type Cache interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// setIfGeneration stores ARGV[2] at KEYS[1] when KEYS[2] still holds
// generation ARGV[1]. ARGV[3] is the TTL in milliseconds, 0 for none.
var setIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
	return 0
end
if ARGV[3] == '0' then
	redis.call('SET', KEYS[1], ARGV[2])
else
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
end
return 1
`)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

type cacheTxKey struct{}

// pendingKeys collects keys touched inside a transaction. They are
// invalidated again after commit so a concurrent read cannot leave a
// pre-commit value behind.
type pendingKeys struct {
	mu   sync.Mutex
	keys []string
}

func pendingFrom(ctx context.Context) *pendingKeys {
	p, _ := ctx.Value(cacheTxKey{}).(*pendingKeys)
	return p
}

func (s *CachedStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if pendingFrom(ctx) != nil {
		return s.primary.WithinTransaction(ctx, fn)
	}
	pending := &pendingKeys{}
	err := s.primary.WithinTransaction(ctx, func(txCtx context.Context) error {
		return fn(context.WithValue(txCtx, cacheTxKey{}, pending))
	})
	if err == nil && len(pending.keys) > 0 {
		s.drop(ctx, pending.keys...)
	}
	return err
}

// drop bumps each key's generation before deleting it.
func (s *CachedStore) drop(ctx context.Context, keys ...string) {
	for _, key := range keys {
		s.rdb.Incr(ctx, generationKey(key))
	}
	s.rdb.Del(ctx, keys...)
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	s.drop(ctx, keys...)
	if p := pendingFrom(ctx); p != nil {
		p.mu.Lock()
		p.keys = append(p.keys, keys...)
		p.mu.Unlock()
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	return s.primary.UpdateUserBalance(ctx, id, balance)
}

func (s *CachedStore) CreateCompany(ctx context.Context, c *model.Company) error {
	if err := s.primary.CreateCompany(ctx, c); err != nil {
		return err
	}
	s.invalidate(ctx, companyKey(c.Ticker))
	return nil
}

func (s *CachedStore) UpdateCompanyState(ctx context.Context, ticker string, price decimal.Decimal, available int64) error {
	if err := s.primary.UpdateCompanyState(ctx, ticker, price, available); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.invalidate(ctx, companyKey(ticker))
	return nil
}

func (s *CachedStore) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.SavePortfolio(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, portfolioKey(p.UserID))
	return nil
}

func (s *CachedStore) InsertLot(ctx context.Context, lot *model.Lot) error {
	return s.primary.InsertLot(ctx, lot)
}

func (s *CachedStore) UpdateLot(ctx context.Context, lot *model.Lot) error {
	return s.primary.UpdateLot(ctx, lot)
}

func (s *CachedStore) DeleteLot(ctx context.Context, id string) error {
	return s.primary.DeleteLot(ctx, id)
}

func (s *CachedStore) UpdateLotProfit(ctx context.Context, id string, profit decimal.Decimal) error {
	return s.primary.UpdateLotProfit(ctx, id, profit)
}

func (s *CachedStore) AppendHistory(ctx context.Context, p *model.HistoryPoint) error {
	return s.primary.AppendHistory(ctx, p)
}

func (s *CachedStore) InsertTransfer(ctx context.Context, t *model.Transfer) error {
	return s.primary.InsertTransfer(ctx, t)
}

func (s *CachedStore) DeleteTransfer(ctx context.Context, id string) error {
	return s.primary.DeleteTransfer(ctx, id)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCompany(ctx context.Context, ticker string) (*model.Company, error) {
	if pendingFrom(ctx) != nil {
		return s.primary.GetCompany(ctx, ticker)
	}

	key := companyKey(ticker)
	var cached model.Company
	if s.lookup(ctx, key, &cached) {
		return &cached, nil
	}

	// Cache miss: read from primary.
	gen, genOK := s.generation(ctx, key)
	c, err := s.primary.GetCompany(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if genOK {
		s.cache(ctx, key, gen, c)
	}
	return c, nil
}

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if pendingFrom(ctx) != nil {
		return s.primary.GetPortfolio(ctx, userID)
	}

	key := portfolioKey(userID)
	var cached model.Portfolio
	if s.lookup(ctx, key, &cached) {
		return &cached, nil
	}

	// Cache miss.
	gen, genOK := s.generation(ctx, key)
	p, err := s.primary.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	if genOK {
		s.cache(ctx, key, gen, p)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	return s.primary.ListCompanies(ctx)
}

func (s *CachedStore) GetUserLots(ctx context.Context, userID string) ([]model.Lot, error) {
	return s.primary.GetUserLots(ctx, userID)
}

func (s *CachedStore) GetUserTickerLots(ctx context.Context, userID, ticker string) ([]model.Lot, error) {
	return s.primary.GetUserTickerLots(ctx, userID, ticker)
}

func (s *CachedStore) GetTickerLots(ctx context.Context, ticker string) ([]model.Lot, error) {
	return s.primary.GetTickerLots(ctx, ticker)
}

func (s *CachedStore) GetHistory(ctx context.Context, ticker string, from, to time.Time) ([]model.HistoryPoint, error) {
	return s.primary.GetHistory(ctx, ticker, from, to)
}

func (s *CachedStore) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	return s.primary.GetTransfer(ctx, id)
}

func (s *CachedStore) ListTransfers(ctx context.Context, userID string) ([]model.Transfer, error) {
	return s.primary.ListTransfers(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// generation returns the key's current generation. It must be read before
// the primary; ok is false when Redis could not answer.
func (s *CachedStore) generation(ctx context.Context, key string) (int64, bool) {
	gen, err := s.rdb.Get(ctx, generationKey(key)).Int64()
	switch {
	case err == nil:
		return gen, true
	case errors.Is(err, redis.Nil):
		return 0, true
	default:
		return 0, false
	}
}

// cache stores v unless key was invalidated after gen was read.
func (s *CachedStore) cache(ctx context.Context, key string, gen int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	setIfGeneration.Run(ctx, s.rdb,
		[]string{key, generationKey(key)},
		strconv.FormatInt(gen, 10), data, s.ttl.Milliseconds())
}

func companyKey(ticker string) string { return fmt.Sprintf("company:%s", ticker) }
func portfolioKey(uid string) string  { return fmt.Sprintf("portfolio:%s", uid) }
func generationKey(key string) string { return "gen:" + key }
