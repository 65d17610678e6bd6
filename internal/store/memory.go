package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps and B-tree indexes.
// Used for testing and development. Not suitable for production (no
// persistence).
//
// Transactions buffer their writes in an overlay that is applied under the
// store mutex on commit, so readers never observe half of a trade.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*model.User
	companies    map[string]*model.Company
	lots         map[string]*model.Lot
	lotsByUser   *btree.BTreeG[model.Lot]
	lotsByTicker *btree.BTreeG[model.Lot]
	history      map[string]*btree.BTreeG[model.HistoryPoint]
	portfolios   map[string]*model.Portfolio
	transfers    map[string]*model.Transfer
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		companies: make(map[string]*model.Company),
		lots:      make(map[string]*model.Lot),
		lotsByUser: btree.NewG(16, func(a, b model.Lot) bool {
			if a.UserID != b.UserID {
				return a.UserID < b.UserID
			}
			return lotLess(a, b)
		}),
		lotsByTicker: btree.NewG(16, func(a, b model.Lot) bool {
			if a.Ticker != b.Ticker {
				return a.Ticker < b.Ticker
			}
			return lotLess(a, b)
		}),
		history:    make(map[string]*btree.BTreeG[model.HistoryPoint]),
		portfolios: make(map[string]*model.Portfolio),
		transfers:  make(map[string]*model.Transfer),
	}
}

func historyLess(a, b model.HistoryPoint) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// --- Transactions ---

type memTxKey struct{}

// memTx is the write overlay of one transaction. A nil lot or transfer
// marks a deletion.
type memTx struct {
	users            map[string]*model.User
	createdUsers     map[string]bool
	companies        map[string]*model.Company
	createdCompanies map[string]bool
	lots             map[string]*model.Lot
	history          []model.HistoryPoint
	portfolios       map[string]*model.Portfolio
	transfers        map[string]*model.Transfer
}

func newMemTx() *memTx {
	return &memTx{
		users:            make(map[string]*model.User),
		createdUsers:     make(map[string]bool),
		companies:        make(map[string]*model.Company),
		createdCompanies: make(map[string]bool),
		lots:             make(map[string]*model.Lot),
		portfolios:       make(map[string]*model.Portfolio),
		transfers:        make(map[string]*model.Transfer),
	}
}

func memTxFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

// WithinTransaction runs fn against a private overlay and applies it
// atomically when fn succeeds. Nested calls join the outer transaction.
func (s *MemoryStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if memTxFrom(ctx) != nil {
		return fn(ctx)
	}
	tx := newMemTx()
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Uniqueness is re-checked against committed state before anything is
	// applied so a failed commit leaves the store untouched.
	for id := range tx.createdUsers {
		if s.userConflictLocked(nil, tx.users[id]) {
			return fmt.Errorf("user %s: %w", tx.users[id].Username, ErrAlreadyExists)
		}
	}
	for t := range tx.createdCompanies {
		if _, ok := s.companies[t]; ok {
			return fmt.Errorf("company %s: %w", t, ErrAlreadyExists)
		}
	}

	for id, u := range tx.users {
		s.users[id] = u
	}
	for t, c := range tx.companies {
		s.companies[t] = c
	}
	for id, lot := range tx.lots {
		if lot == nil {
			s.deleteLotLocked(id)
			continue
		}
		if existing, ok := s.lots[id]; ok {
			existing.Shares = lot.Shares
			existing.AmountUSD = lot.AmountUSD
			existing.Profit = lot.Profit
			continue
		}
		s.insertLotLocked(lot)
	}
	for _, p := range tx.history {
		s.appendHistoryLocked(p)
	}
	for id, p := range tx.portfolios {
		s.portfolios[id] = p
	}
	for id, t := range tx.transfers {
		if t == nil {
			delete(s.transfers, id)
			continue
		}
		s.transfers[id] = t
	}
	return nil
}

// --- Users ---

// userConflictLocked reports whether u clashes with an existing user by ID
// or username. The caller holds s.mu.
func (s *MemoryStore) userConflictLocked(tx *memTx, u *model.User) bool {
	if _, ok := s.users[u.ID]; ok {
		return true
	}
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return true
		}
	}
	if tx != nil {
		for id := range tx.createdUsers {
			if id == u.ID || tx.users[id].Username == u.Username {
				return true
			}
		}
	}
	return false
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *model.User) error {
	tx := memTxFrom(ctx)
	if tx != nil {
		s.mu.RLock()
		conflict := s.userConflictLocked(tx, u)
		s.mu.RUnlock()
		if conflict {
			return fmt.Errorf("user %s: %w", u.Username, ErrAlreadyExists)
		}
		c := *u
		tx.users[u.ID] = &c
		tx.createdUsers[u.ID] = true
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userConflictLocked(nil, u) {
		return fmt.Errorf("user %s: %w", u.Username, ErrAlreadyExists)
	}
	// Store a copy to avoid external mutation.
	c := *u
	s.users[u.ID] = &c
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	if tx := memTxFrom(ctx); tx != nil {
		if u, ok := tx.users[id]; ok {
			c := *u
			return &c, nil
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]model.User, error) {
	s.mu.RLock()
	merged := make(map[string]model.User, len(s.users))
	for id, u := range s.users {
		merged[id] = *u
	}
	s.mu.RUnlock()

	if tx := memTxFrom(ctx); tx != nil {
		for id, u := range tx.users {
			merged[id] = *u
		}
	}
	users := make([]model.User, 0, len(merged))
	for _, u := range merged {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

func (s *MemoryStore) UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	if tx := memTxFrom(ctx); tx != nil {
		u, err := s.GetUser(ctx, id)
		if err != nil {
			return err
		}
		u.Balance = balance
		tx.users[id] = u
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	u.Balance = balance
	return nil
}

// --- Companies ---

func (s *MemoryStore) CreateCompany(ctx context.Context, c *model.Company) error {
	tx := memTxFrom(ctx)
	if tx != nil {
		s.mu.RLock()
		_, exists := s.companies[c.Ticker]
		s.mu.RUnlock()
		if exists || tx.createdCompanies[c.Ticker] {
			return fmt.Errorf("company %s: %w", c.Ticker, ErrAlreadyExists)
		}
		cp := *c
		tx.companies[c.Ticker] = &cp
		tx.createdCompanies[c.Ticker] = true
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.companies[c.Ticker]; ok {
		return fmt.Errorf("company %s: %w", c.Ticker, ErrAlreadyExists)
	}
	cp := *c
	s.companies[c.Ticker] = &cp
	return nil
}

func (s *MemoryStore) GetCompany(ctx context.Context, ticker string) (*model.Company, error) {
	if tx := memTxFrom(ctx); tx != nil {
		if c, ok := tx.companies[ticker]; ok {
			cp := *c
			return &cp, nil
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.companies[ticker]
	if !ok {
		return nil, fmt.Errorf("company %s: %w", ticker, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	s.mu.RLock()
	merged := make(map[string]model.Company, len(s.companies))
	for t, c := range s.companies {
		merged[t] = *c
	}
	s.mu.RUnlock()

	if tx := memTxFrom(ctx); tx != nil {
		for t, c := range tx.companies {
			merged[t] = *c
		}
	}
	companies := make([]model.Company, 0, len(merged))
	for _, c := range merged {
		companies = append(companies, c)
	}
	sort.Slice(companies, func(i, j int) bool { return companies[i].Ticker < companies[j].Ticker })
	return companies, nil
}

func (s *MemoryStore) UpdateCompanyState(ctx context.Context, ticker string, price decimal.Decimal, available int64) error {
	now := time.Now().UTC()
	if tx := memTxFrom(ctx); tx != nil {
		c, err := s.GetCompany(ctx, ticker)
		if err != nil {
			return err
		}
		c.Price = price
		c.AvailableShares = available
		c.UpdatedAt = now
		tx.companies[ticker] = c
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[ticker]
	if !ok {
		return fmt.Errorf("company %s: %w", ticker, ErrNotFound)
	}
	c.Price = price
	c.AvailableShares = available
	c.UpdatedAt = now
	return nil
}

// --- Lots ---

func (s *MemoryStore) insertLotLocked(lot *model.Lot) {
	s.lots[lot.ID] = lot
	s.lotsByUser.ReplaceOrInsert(*lot)
	s.lotsByTicker.ReplaceOrInsert(*lot)
}

func (s *MemoryStore) deleteLotLocked(id string) {
	lot, ok := s.lots[id]
	if !ok {
		return
	}
	s.lotsByUser.Delete(*lot)
	s.lotsByTicker.Delete(*lot)
	delete(s.lots, id)
}

// getLot resolves a lot through the transaction overlay.
func (s *MemoryStore) getLot(tx *memTx, id string) (*model.Lot, bool) {
	if tx != nil {
		if lot, ok := tx.lots[id]; ok {
			if lot == nil {
				return nil, false
			}
			c := *lot
			return &c, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lot, ok := s.lots[id]
	if !ok {
		return nil, false
	}
	c := *lot
	return &c, true
}

func (s *MemoryStore) InsertLot(ctx context.Context, lot *model.Lot) error {
	c := *lot
	if tx := memTxFrom(ctx); tx != nil {
		tx.lots[lot.ID] = &c
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[lot.ID]; ok {
		return fmt.Errorf("lot %s: %w", lot.ID, ErrAlreadyExists)
	}
	s.insertLotLocked(&c)
	return nil
}

func (s *MemoryStore) UpdateLot(ctx context.Context, lot *model.Lot) error {
	if tx := memTxFrom(ctx); tx != nil {
		current, ok := s.getLot(tx, lot.ID)
		if !ok {
			return fmt.Errorf("lot %s: %w", lot.ID, ErrNotFound)
		}
		current.Shares = lot.Shares
		current.AmountUSD = lot.AmountUSD
		current.Profit = lot.Profit
		tx.lots[lot.ID] = current
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.lots[lot.ID]
	if !ok {
		return fmt.Errorf("lot %s: %w", lot.ID, ErrNotFound)
	}
	current.Shares = lot.Shares
	current.AmountUSD = lot.AmountUSD
	current.Profit = lot.Profit
	return nil
}

func (s *MemoryStore) DeleteLot(ctx context.Context, id string) error {
	if tx := memTxFrom(ctx); tx != nil {
		if _, ok := s.getLot(tx, id); !ok {
			return fmt.Errorf("lot %s: %w", id, ErrNotFound)
		}
		tx.lots[id] = nil
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[id]; !ok {
		return fmt.Errorf("lot %s: %w", id, ErrNotFound)
	}
	s.deleteLotLocked(id)
	return nil
}

func (s *MemoryStore) UpdateLotProfit(ctx context.Context, id string, profit decimal.Decimal) error {
	if tx := memTxFrom(ctx); tx != nil {
		current, ok := s.getLot(tx, id)
		if !ok {
			return nil
		}
		current.Profit = profit
		tx.lots[id] = current
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if lot, ok := s.lots[id]; ok {
		lot.Profit = profit
	}
	return nil
}

// collectLots walks idx from pivot while keep returns true and resolves
// each entry against the live lot map. The caller holds s.mu.
func (s *MemoryStore) collectLotsLocked(idx *btree.BTreeG[model.Lot], pivot model.Lot, keep func(model.Lot) bool) []model.Lot {
	var out []model.Lot
	idx.AscendGreaterOrEqual(pivot, func(item model.Lot) bool {
		if !keep(item) {
			return false
		}
		if lot, ok := s.lots[item.ID]; ok {
			out = append(out, *lot)
		}
		return true
	})
	return out
}

// mergeLots overlays transaction writes on committed lots.
func mergeLots(tx *memTx, base []model.Lot, match func(model.Lot) bool) []model.Lot {
	if tx == nil || len(tx.lots) == 0 {
		return base
	}
	out := make([]model.Lot, 0, len(base))
	seen := make(map[string]bool, len(base))
	for _, lot := range base {
		seen[lot.ID] = true
		if o, ok := tx.lots[lot.ID]; ok {
			if o != nil {
				out = append(out, *o)
			}
			continue
		}
		out = append(out, lot)
	}
	for id, o := range tx.lots {
		if o == nil || seen[id] || !match(*o) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return lotLess(out[i], out[j]) })
	return out
}

func (s *MemoryStore) GetUserLots(ctx context.Context, userID string) ([]model.Lot, error) {
	match := func(l model.Lot) bool { return l.UserID == userID }
	s.mu.RLock()
	base := s.collectLotsLocked(s.lotsByUser, model.Lot{UserID: userID}, match)
	s.mu.RUnlock()
	return mergeLots(memTxFrom(ctx), base, match), nil
}

func (s *MemoryStore) GetUserTickerLots(ctx context.Context, userID, ticker string) ([]model.Lot, error) {
	lots, err := s.GetUserLots(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := lots[:0]
	for _, lot := range lots {
		if lot.Ticker == ticker {
			out = append(out, lot)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetTickerLots(ctx context.Context, ticker string) ([]model.Lot, error) {
	match := func(l model.Lot) bool { return l.Ticker == ticker }
	s.mu.RLock()
	base := s.collectLotsLocked(s.lotsByTicker, model.Lot{Ticker: ticker}, match)
	s.mu.RUnlock()
	return mergeLots(memTxFrom(ctx), base, match), nil
}

// --- History ---

func (s *MemoryStore) appendHistoryLocked(p model.HistoryPoint) {
	idx, ok := s.history[p.Ticker]
	if !ok {
		idx = btree.NewG(32, historyLess)
		s.history[p.Ticker] = idx
	}
	idx.ReplaceOrInsert(p)
}

func (s *MemoryStore) AppendHistory(ctx context.Context, p *model.HistoryPoint) error {
	if tx := memTxFrom(ctx); tx != nil {
		tx.history = append(tx.history, *p)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendHistoryLocked(*p)
	return nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, ticker string, from, to time.Time) ([]model.HistoryPoint, error) {
	points := []model.HistoryPoint{}

	s.mu.RLock()
	if idx, ok := s.history[ticker]; ok {
		idx.AscendGreaterOrEqual(model.HistoryPoint{Timestamp: from}, func(p model.HistoryPoint) bool {
			if !to.IsZero() && p.Timestamp.After(to) {
				return false
			}
			points = append(points, p)
			return true
		})
	}
	s.mu.RUnlock()

	if tx := memTxFrom(ctx); tx != nil && len(tx.history) > 0 {
		for _, p := range tx.history {
			if p.Ticker == ticker && inRange(p.Timestamp, from, to) {
				points = append(points, p)
			}
		}
		sort.Slice(points, func(i, j int) bool { return historyLess(points[i], points[j]) })
	}
	return points, nil
}

// --- Portfolios ---

func (s *MemoryStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if tx := memTxFrom(ctx); tx != nil {
		if p, ok := tx.portfolios[userID]; ok {
			c := *p
			return &c, nil
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.portfolios[userID]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", userID, ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	c := *p
	if tx := memTxFrom(ctx); tx != nil {
		tx.portfolios[p.UserID] = &c
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolios[p.UserID] = &c
	return nil
}

// --- Transfers ---

func (s *MemoryStore) InsertTransfer(ctx context.Context, t *model.Transfer) error {
	c := *t
	if tx := memTxFrom(ctx); tx != nil {
		tx.transfers[t.ID] = &c
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transfers[t.ID]; ok {
		return fmt.Errorf("transfer %s: %w", t.ID, ErrAlreadyExists)
	}
	s.transfers[t.ID] = &c
	return nil
}

func (s *MemoryStore) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	if tx := memTxFrom(ctx); tx != nil {
		if t, ok := tx.transfers[id]; ok {
			if t == nil {
				return nil, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
			}
			c := *t
			return &c, nil
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (s *MemoryStore) ListTransfers(ctx context.Context, userID string) ([]model.Transfer, error) {
	s.mu.RLock()
	merged := make(map[string]model.Transfer)
	for id, t := range s.transfers {
		if t.UserID == userID {
			merged[id] = *t
		}
	}
	s.mu.RUnlock()

	if tx := memTxFrom(ctx); tx != nil {
		for id, t := range tx.transfers {
			if t == nil {
				delete(merged, id)
				continue
			}
			if t.UserID == userID {
				merged[id] = *t
			}
		}
	}
	transfers := make([]model.Transfer, 0, len(merged))
	for _, t := range merged {
		transfers = append(transfers, t)
	}
	sort.Slice(transfers, func(i, j int) bool {
		if !transfers[i].CreatedAt.Equal(transfers[j].CreatedAt) {
			return transfers[i].CreatedAt.Before(transfers[j].CreatedAt)
		}
		return transfers[i].ID < transfers[j].ID
	})
	return transfers, nil
}

func (s *MemoryStore) DeleteTransfer(ctx context.Context, id string) error {
	if tx := memTxFrom(ctx); tx != nil {
		if _, err := s.GetTransfer(ctx, id); err != nil {
			return err
		}
		tx.transfers[id] = nil
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transfers[id]; !ok {
		return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	delete(s.transfers, id)
	return nil
}
