// Package meta provides durable cross-invocation state: one backfill record
// per site and persisted operational counters. All mutations are atomic
// read-modify-write transactions against bbolt, since invocations are not
// guaranteed to share memory.
package meta

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildingvitals/tieredstore/internal/backfill"
	"github.com/buildingvitals/tieredstore/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketBackfill = []byte("backfill")
	bucketCounters = []byte("counters")
)

// Store is the bbolt-backed metadata store.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewStore opens or creates the metadata database.
func NewStore(path string, noSync bool, logger *zap.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}
	db.NoSync = noSync

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBackfill, bucketCounters} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metadata schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// LoadBackfill returns the persisted record for a site. The second return
// is false when no record exists. A stored record that fails structural
// validation is a fatal configuration error, not a retryable one.
func (s *Store) LoadBackfill(_ context.Context, site string) (backfill.State, bool, error) {
	var (
		state backfill.State
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBackfill).Get([]byte(site))
		if raw == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("decoding backfill record for %s: %w", site, err)
		}
		return nil
	})
	if err != nil {
		return backfill.State{}, false, err
	}
	if found {
		if err := state.Validate(); err != nil {
			return backfill.State{}, false, fmt.Errorf("stored backfill record is invalid: %w", err)
		}
	}
	return state, found, nil
}

// SaveBackfill validates and persists a record, replacing any prior one.
func (s *Store) SaveBackfill(_ context.Context, state backfill.State) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid backfill state: %w", err)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding backfill record for %s: %w", state.Site, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBackfill).Put([]byte(state.Site), raw)
	})
}

// UpdateBackfill applies fn to the stored record inside one write
// transaction, giving last-writer-wins-free read-modify-write semantics for
// serialized callers.
func (s *Store) UpdateBackfill(_ context.Context, site string, fn func(backfill.State) (backfill.State, error)) (backfill.State, error) {
	var out backfill.State
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBackfill)
		raw := bucket.Get([]byte(site))
		if raw == nil {
			return fmt.Errorf("no backfill record for site %s", site)
		}
		var state backfill.State
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("decoding backfill record for %s: %w", site, err)
		}
		if err := state.Validate(); err != nil {
			return fmt.Errorf("stored backfill record is invalid: %w", err)
		}

		next, err := fn(state)
		if err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return fmt.Errorf("refusing to persist invalid backfill state: %w", err)
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(site), encoded); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// DeleteBackfill removes a site's record. Used only by the operator reset,
// which recreates the initial record afterwards.
func (s *Store) DeleteBackfill(_ context.Context, site string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBackfill).Delete([]byte(site))
	})
}

// IncrCounter atomically increments a counter keyed by (metric, day) and
// returns the new value.
func (s *Store) IncrCounter(_ context.Context, metric string, day types.Date, delta int64) (int64, error) {
	var value int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCounters)
		key := counterKey(metric, day)
		if raw := bucket.Get(key); raw != nil {
			value = int64(binary.BigEndian.Uint64(raw))
		}
		value += delta
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(value))
		return bucket.Put(key, buf)
	})
	return value, err
}

// GetCounter reads a counter, zero when absent.
func (s *Store) GetCounter(_ context.Context, metric string, day types.Date) (int64, error) {
	var value int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucketCounters).Get(counterKey(metric, day)); raw != nil {
			value = int64(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	return value, err
}

func counterKey(metric string, day types.Date) []byte {
	return []byte(metric + "/" + string(day))
}

// Ping verifies the database answers a read transaction.
func (s *Store) Ping(_ context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error { return nil })
}

func (s *Store) Close() error {
	return s.db.Close()
}
