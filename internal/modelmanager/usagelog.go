// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package modelmanager

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/meridian/internal/logging"
)

// usageKeyPrefix namespaces usage events in BadgerDB.
const usageKeyPrefix = "usage:"

// UsageLog is the append-only model-usage record backing the predictive
// preloader. Events persist across restarts so prediction quality does not
// reset with the process. Badger's TTL expires events beyond twice the
// scoring window.
type UsageLog struct {
	db  *badger.DB
	ttl time.Duration

	mu  sync.Mutex
	own bool // whether Close should close the db
}

// OpenUsageLog opens (or creates) the usage log at path. window is the
// preloader's scoring window; events are retained for twice that.
func OpenUsageLog(path string, window time.Duration) (*UsageLog, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open usage log: %w", err)
	}
	return &UsageLog{db: db, ttl: 2 * window, own: true}, nil
}

// NewUsageLogWithDB wraps an already-open database.
func NewUsageLogWithDB(db *badger.DB, window time.Duration) *UsageLog {
	return &UsageLog{db: db, ttl: 2 * window}
}

// Record implements UsageRecorder: one key per event, TTL-expired.
func (l *UsageLog) Record(modelID string, at time.Time) {
	key := fmt.Sprintf("%s%s:%d", usageKeyPrefix, modelID, at.UnixNano())
	err := l.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), nil).WithTTL(l.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		logging.Debug().Err(err).Str("model_id", modelID).Msg("usage record dropped")
	}
}

// UsageStats summarizes one model's events inside the window.
type UsageStats struct {
	ModelID string
	Count   int
	LastAt  time.Time
}

// StatsSince scans events newer than cutoff, grouped by model.
func (l *UsageLog) StatsSince(cutoff time.Time) (map[string]UsageStats, error) {
	out := make(map[string]UsageStats)
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()

		prefix := []byte(usageKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, usageKeyPrefix)
			sep := strings.LastIndexByte(rest, ':')
			if sep < 0 {
				continue
			}
			modelID := rest[:sep]
			nanos, err := strconv.ParseInt(rest[sep+1:], 10, 64)
			if err != nil {
				continue
			}
			at := time.Unix(0, nanos)
			if at.Before(cutoff) {
				continue
			}
			stats := out[modelID]
			stats.ModelID = modelID
			stats.Count++
			if at.After(stats.LastAt) {
				stats.LastAt = at
			}
			out[modelID] = stats
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the database if this log owns it.
func (l *UsageLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.own {
		return nil
	}
	return l.db.Close()
}
