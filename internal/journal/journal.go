package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultDir      = "./data/journal"
	segmentLimit    = 1000
	maxSegments     = 100
	eventKeyPrefix  = "settlement_"
	defaultMaxBatch = 500
)

// Event describes a committed wallet mutation.
type Event struct {
	TransactionID string                     `json:"transaction_id"`
	UserID        string                     `json:"user_id"`
	Type          string                     `json:"type"`
	Symbol        string                     `json:"symbol"`
	Amount        decimal.Decimal            `json:"amount"`
	Price         decimal.Decimal            `json:"price"`
	Total         decimal.Decimal            `json:"total"`
	Fee           decimal.Decimal            `json:"fee"`
	Version       int64                      `json:"version"`
	Balances      map[string]decimal.Decimal `json:"balances"`
	SettledAt     time.Time                  `json:"settled_at"`
}

type Record struct {
	Index uint64 `json:"index"`
	Event Event  `json:"event"`
}

// Journal is a write-ahead log of settlement events. Postgres stays the
// source of truth; the journal lets wallet feed clients catch up on what they
// missed.
type Journal struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

func Open(dir string) (*Journal, error) {
	if dir == "" {
		dir = defaultDir
	}
	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "settlement_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open settlement journal")
	}
	return &Journal{wal: wal}, nil
}

// Append writes the event under the next index and returns that index.
func (j *Journal) Append(event Event) (uint64, error) {
	if j == nil || j.wal == nil {
		return 0, errors.New("settlement journal is not open")
	}
	if event.UserID == "" || event.TransactionID == "" {
		return 0, errors.New("settlement event needs a user and a transaction")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, errors.Wrap(err, "marshal settlement event")
	}
	key := fmt.Sprintf("%s%s", eventKeyPrefix, event.UserID)

	j.mu.Lock()
	defer j.mu.Unlock()

	index := j.wal.CurrentIndex() + 1
	if err := j.wal.Write(index, key, payload); err != nil {
		return 0, errors.Wrap(err, "write settlement event")
	}
	return index, nil
}

// After returns up to limit events for userID written after index, oldest
// first. An empty userID matches every user.
func (j *Journal) After(userID string, index uint64, limit int) ([]Record, error) {
	if j == nil || j.wal == nil {
		return nil, errors.New("settlement journal is not open")
	}
	if limit <= 0 {
		limit = defaultMaxBatch
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	current := j.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}
	wantKey := eventKeyPrefix + userID
	var records []Record
	for idx := index + 1; idx <= current && len(records) < limit; idx++ {
		key, payload, err := j.wal.Get(idx)
		if err != nil || !strings.HasPrefix(key, eventKeyPrefix) {
			continue
		}
		if userID != "" && key != wantKey {
			continue
		}
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, errors.Wrap(err, "decode settlement event")
		}
		records = append(records, Record{Index: idx, Event: event})
	}
	return records, nil
}

func (j *Journal) CurrentIndex() uint64 {
	if j == nil || j.wal == nil {
		return 0
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.wal.CurrentIndex()
}

func (j *Journal) Close() error {
	if j == nil || j.wal == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}
