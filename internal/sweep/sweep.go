// Package sweep recomputes lot profit and portfolio snapshots after a
// price change.
//
// Each ticker has one worker goroutine, so sweeps for a ticker run in
// submission order. Submissions that arrive while a run is already queued
// are folded into it; the run reads the committed price when it starts,
// which is never older than any price that triggered it.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/stocksim/trading-engine/internal/locks"
	"github.com/stocksim/trading-engine/internal/metrics"
	"github.com/stocksim/trading-engine/internal/store"
	"github.com/stocksim/trading-engine/internal/valuation"
)

// ErrStopped is returned by Run after Stop.
var ErrStopped = errors.New("sweep: stopped")

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int           // per-user attempts before giving up
	MinBackoff  time.Duration // first retry delay
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 20 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	return c
}

// Sweeper owns the per-ticker workers.
type Sweeper struct {
	store    store.Store
	locks    *locks.Manager
	valuator *valuation.Valuator
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	idle    *sync.Cond // signalled when pending drops to zero
	workers map[string]chan struct{}
	stopped bool
	pending int // queued or running sweeps
	wg      sync.WaitGroup
}

// New creates a Sweeper. Call Stop to release its workers.
func New(s store.Store, lm *locks.Manager, v *valuation.Valuator, cfg Config) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	sw := &Sweeper{
		store:    s,
		locks:    lm,
		valuator: v,
		cfg:      cfg.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]chan struct{}),
	}
	sw.idle = sync.NewCond(&sw.mu)
	return sw
}

// Submit schedules an asynchronous sweep of ticker.
func (s *Sweeper) Submit(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	queue, ok := s.workers[ticker]
	if !ok {
		queue = make(chan struct{}, 1)
		s.workers[ticker] = queue
		s.wg.Add(1)
		go s.worker(ticker, queue)
	}

	select {
	case queue <- struct{}{}:
		s.pending++
	default:
		metrics.SweepCoalesced.Inc()
	}
}

func (s *Sweeper) worker(ticker string, queue <-chan struct{}) {
	defer s.wg.Done()
	for range queue {
		if err := s.Run(s.ctx, ticker); err != nil && !errors.Is(err, ErrStopped) {
			slog.Error("sweep failed", "ticker", ticker, "error", err)
		}
		s.done()
	}
}

func (s *Sweeper) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if s.pending == 0 {
		s.idle.Broadcast()
	}
}

// Wait blocks until every sweep submitted so far has finished. Submits
// racing with Wait are either waited for or not, never lost.
func (s *Sweeper) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.idle.Wait()
	}
}

// Stop cancels in-flight work and waits for the workers to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	for _, queue := range s.workers {
		close(queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Run sweeps ticker synchronously: lot profits first, under the company
// lock, then every affected user's snapshot under that user's lock.
func (s *Sweeper) Run(ctx context.Context, ticker string) error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	users, err := s.revalueLots(ctx, ticker)
	if err != nil {
		return err
	}

	var failed int
	for _, userID := range users {
		if err := s.RecomputeUser(ctx, userID); err != nil {
			failed++
			metrics.SweepFailures.Inc()
			slog.Error("portfolio recompute failed", "ticker", ticker, "user_id", userID, "error", err)
		}
	}
	slog.Debug("sweep completed", "ticker", ticker, "users", len(users), "failed", failed)
	return nil
}

// revalueLots sets profit on every lot of ticker from the committed price
// and returns the owners of those lots.
func (s *Sweeper) revalueLots(ctx context.Context, ticker string) ([]string, error) {
	release, err := s.locks.Acquire(ctx, locks.Company(ticker))
	if err != nil {
		return nil, err
	}
	defer release()

	var users []string
	err = s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		company, err := s.store.GetCompany(ctx, ticker)
		if err != nil {
			return err
		}
		lots, err := s.store.GetTickerLots(ctx, ticker)
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		for _, lot := range lots {
			profit := company.Price.Sub(lot.UnitCost()).Mul(lot.Shares)
			if err := s.store.UpdateLotProfit(ctx, lot.ID, profit); err != nil {
				return err
			}
			if !seen[lot.UserID] {
				seen[lot.UserID] = true
				users = append(users, lot.UserID)
			}
		}
		return nil
	})
	return users, err
}

// RecomputeUser recomputes one snapshot under the user's lock, retrying
// transient failures with exponential backoff.
func (s *Sweeper) RecomputeUser(ctx context.Context, userID string) error {
	b := &backoff.Backoff{
		Min:    s.cfg.MinBackoff,
		Max:    s.cfg.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err = s.recomputeOnce(ctx, userID); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}
		wait := b.Duration()
		slog.Warn("portfolio recompute retry", "user_id", userID, "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Sweeper) recomputeOnce(ctx context.Context, userID string) error {
	release, err := s.locks.Acquire(ctx, locks.User(userID))
	if err != nil {
		return err
	}
	defer release()
	_, err = s.valuator.Recompute(ctx, userID)
	return err
}

// RecalculateAll recomputes every user's snapshot, isolating failures.
// It returns the number of users that could not be recomputed.
func (s *Sweeper) RecalculateAll(ctx context.Context) (int, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	var failed int
	for _, u := range users {
		if err := s.RecomputeUser(ctx, u.ID); err != nil {
			failed++
			metrics.SweepFailures.Inc()
			slog.Error("portfolio recompute failed", "user_id", u.ID, "error", err)
		}
	}
	slog.Info("recalculated all portfolios", "users", len(users), "failed", failed)
	return failed, nil
}
