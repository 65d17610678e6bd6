// Package locks provides exclusive locks keyed by entity identity with a
// bounded wait. A trade that touches a user and a company acquires the user
// first, then the company; Acquire sorts multi-key requests so every caller
// uses the same global order.
package locks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stocksim/trading-engine/internal/errs"
)

// Key prefixes fix the acquisition order: users sort before companies.
const (
	userPrefix    = "1/user/"
	companyPrefix = "2/company/"
)

// User returns the lock key for a user.
func User(id string) string { return userPrefix + id }

// Company returns the lock key for a company.
func Company(ticker string) string { return companyPrefix + ticker }

// Manager hands out one weight-1 semaphore per key.
type Manager struct {
	mu      sync.Mutex
	sems    map[string]*semaphore.Weighted
	timeout time.Duration
}

// NewManager creates a lock manager. Acquisitions that cannot complete
// within timeout fail with errs.Busy.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Manager{
		sems:    make(map[string]*semaphore.Weighted),
		timeout: timeout,
	}
}

func (m *Manager) sem(key string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sems[key]
	if !ok {
		s = semaphore.NewWeighted(1)
		m.sems[key] = s
	}
	return s
}

// Acquire locks every key in global order and returns a function that
// releases them. On timeout or cancellation nothing stays held.
func (m *Manager) Acquire(ctx context.Context, keys ...string) (func(), error) {
	ordered := dedupe(keys)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	held := make([]*semaphore.Weighted, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}

	for _, key := range ordered {
		s := m.sem(key)
		if err := s.Acquire(ctx, 1); err != nil {
			release()
			if errors.Is(err, context.Canceled) {
				return nil, errs.Wrap("locks.Acquire", errs.Busy, err)
			}
			return nil, errs.E("locks.Acquire", errs.Busy, "timed out waiting for %s", display(key))
		}
		held = append(held, s)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func display(key string) string {
	if len(key) > 2 {
		return key[2:]
	}
	return key
}
