// Package journal keeps an append-only write-ahead log of committed trades
// and price changes. The ledger store stays the source of truth; the
// journal is an audit trail that can be replayed to rebuild activity feeds
// or reconcile after an outage.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
)

const (
	segmentThreshold = 1000
	maxSegments      = 100
	keyPrefix        = "trade_"
)

// Kind identifies the event recorded by an entry.
type Kind string

const (
	KindBuy           Kind = "buy"
	KindSell          Kind = "sell"
	KindExternalPrice Kind = "external_price"
)

// Entry is one committed event.
type Entry struct {
	Kind     Kind            `json:"kind"`
	UserID   string          `json:"user_id,omitempty"`
	Ticker   string          `json:"ticker"`
	Amount   decimal.Decimal `json:"amount"`
	Shares   decimal.Decimal `json:"shares"`
	OldPrice decimal.Decimal `json:"old_price"`
	NewPrice decimal.Decimal `json:"new_price"`
	At       time.Time       `json:"at"`
}

// Record is an entry with its WAL index.
type Record struct {
	Index uint64 `json:"index"`
	Entry Entry  `json:"entry"`
}

// Journal is safe for concurrent use.
type Journal struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// Open opens or creates the journal in dir.
func Open(dir string) (*Journal, error) {
	return open(dir, segmentThreshold, maxSegments)
}

func open(dir string, threshold, segments int) (*Journal, error) {
	if dir == "" {
		return nil, errors.New("journal: directory is required")
	}
	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "journal_",
		SegmentThreshold: threshold,
		MaxSegments:      segments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{wal: wal}, nil
}

// Append writes e at the next index.
func (j *Journal) Append(e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	next := j.wal.CurrentIndex() + 1
	return j.wal.Write(next, keyPrefix+string(e.Kind), payload)
}

// After returns entries written after index, oldest first. Entries in
// segments that were already rotated out are skipped.
func (j *Journal) After(index uint64) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	current := j.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]Record, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := j.wal.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("read journal entry %d: %w", idx, err)
		}
		// Rotated out.
		if payload == nil || !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode journal entry %d: %w", idx, err)
		}
		records = append(records, Record{Index: idx, Entry: e})
	}
	return records, nil
}

// Replay calls fn for every retained entry in order and stops at the
// first error.
func (j *Journal) Replay(fn func(Record) error) error {
	records, err := j.After(0)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// CurrentIndex returns the latest written index.
func (j *Journal) CurrentIndex() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}
