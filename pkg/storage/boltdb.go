package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketOperations  = []byte("operations")
	bucketOpsByTime   = []byte("operations_by_time")
	bucketOpsByTarget = []byte("operations_by_target")
	bucketOpsByStatus = []byte("operations_by_status")
	bucketHealth      = []byte("health_history")
)

// BoltStore implements Store using BoltDB.
//
// Operations live in a primary bucket keyed by id plus three index
// buckets: a time index keyed by inverted start timestamp so cursors
// yield newest records first, and target and status indexes whose keys
// prefix the same inverted timestamp so per-target and per-status reads
// are range scans. The status index entry moves on every status
// transition. Health history keys are target-prefixed with the same
// inverted timestamp scheme.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "nodesman.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketOperations, bucketOpsByTime, bucketOpsByTarget, bucketOpsByStatus, bucketHealth}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// invTimestamp encodes t so lexicographic order is newest-first.
func invTimestamp(t time.Time) []byte {
	return []byte(fmt.Sprintf("%020d", uint64(math.MaxInt64-t.UnixNano())))
}

func timeKey(t time.Time, id string) []byte {
	return append(invTimestamp(t), []byte("/"+id)...)
}

func prefixedTimeKey(prefix string, t time.Time, id string) []byte {
	return append([]byte(prefix+"/"), timeKey(t, id)...)
}

// putOpIndexes writes the index entries for op inside tx. prev holds the
// previously stored record, if any, so a stale status entry can be removed.
func putOpIndexes(tx *bolt.Tx, op, prev *types.Operation) error {
	if err := tx.Bucket(bucketOpsByTime).Put(timeKey(op.StartedAt, op.ID), []byte(op.ID)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketOpsByTarget).Put(prefixedTimeKey(op.Target, op.StartedAt, op.ID), []byte(op.ID)); err != nil {
		return err
	}
	status := tx.Bucket(bucketOpsByStatus)
	if prev != nil && prev.Status != op.Status {
		if err := status.Delete(prefixedTimeKey(string(prev.Status), prev.StartedAt, prev.ID)); err != nil {
			return err
		}
	}
	return status.Put(prefixedTimeKey(string(op.Status), op.StartedAt, op.ID), []byte(op.ID))
}

// PutOperation upserts an operation record by id.
func (s *BoltStore) PutOperation(op *types.Operation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		var prev *types.Operation
		if existing := b.Get([]byte(op.ID)); existing != nil {
			var old types.Operation
			if err := json.Unmarshal(existing, &old); err != nil {
				return err
			}
			prev = &old
		}
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(op.ID), data); err != nil {
			return err
		}
		return putOpIndexes(tx, op, prev)
	})
}

// GetOperation retrieves an operation by id.
func (s *BoltStore) GetOperation(id string) (*types.Operation, error) {
	var op types.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOperations).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("operation not found: %s", id)
		}
		return json.Unmarshal(data, &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// UpdateOperationStatus applies a terminal (or running) status update.
// Idempotent: updating an already-terminal record to the same status is a
// no-op, and a second terminal transition is refused silently so the first
// outcome wins.
func (s *BoltStore) UpdateOperationStatus(id string, status types.OperationStatus, completedAt *time.Time, opErr string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("operation not found: %s", id)
		}
		var op types.Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return err
		}
		if op.Status.Terminal() {
			return nil
		}
		prev := op
		op.Status = status
		op.CompletedAt = completedAt
		op.Error = opErr
		updated, err := json.Marshal(&op)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), updated); err != nil {
			return err
		}
		return putOpIndexes(tx, &op, &prev)
	})
}

// RecentOperations returns up to n operations, newest first.
func (s *BoltStore) RecentOperations(n int) ([]*types.Operation, error) {
	var ops []*types.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketOpsByTime).Cursor()
		b := tx.Bucket(bucketOperations)
		for k, id := idx.First(); k != nil && len(ops) < n; k, id = idx.Next() {
			data := b.Get(id)
			if data == nil {
				continue
			}
			var op types.Operation
			if err := json.Unmarshal(data, &op); err != nil {
				return err
			}
			ops = append(ops, &op)
		}
		return nil
	})
	return ops, err
}

// OperationsByTarget returns up to n operations for one target, newest first.
func (s *BoltStore) OperationsByTarget(target string, n int) ([]*types.Operation, error) {
	return s.operationsByPrefix(bucketOpsByTarget, target, n)
}

// OperationsByStatus returns up to n operations in one status, newest first.
func (s *BoltStore) OperationsByStatus(status types.OperationStatus, n int) ([]*types.Operation, error) {
	return s.operationsByPrefix(bucketOpsByStatus, string(status), n)
}

// operationsByPrefix range-scans an index bucket whose keys are
// prefix-then-inverted-timestamp, resolving ids against the primary bucket.
func (s *BoltStore) operationsByPrefix(bucket []byte, keyPrefix string, n int) ([]*types.Operation, error) {
	var ops []*types.Operation
	prefix := []byte(keyPrefix + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		b := tx.Bucket(bucketOperations)
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) && len(ops) < n; k, id = c.Next() {
			data := b.Get(id)
			if data == nil {
				continue
			}
			var op types.Operation
			if err := json.Unmarshal(data, &op); err != nil {
				return err
			}
			ops = append(ops, &op)
		}
		return nil
	})
	return ops, err
}

// CleanupStuck force-fails every non-terminal record older than olderThan.
// Called once at process start: a record that claims to be running must
// actually be running in-process, and after a restart nothing is.
func (s *BoltStore) CleanupStuck(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		var stuck []types.Operation
		if err := b.ForEach(func(k, v []byte) error {
			var op types.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if !op.Status.Terminal() && op.StartedAt.Before(cutoff) {
				stuck = append(stuck, op)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, op := range stuck {
			prev := op
			now := time.Now()
			op.Status = types.OperationFailed
			op.CompletedAt = &now
			op.Error = "marked failed during startup cleanup"
			data, err := json.Marshal(&op)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(op.ID), data); err != nil {
				return err
			}
			if err := putOpIndexes(tx, &op, &prev); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func healthKey(target string, t time.Time) []byte {
	return append([]byte(target+"/"), invTimestamp(t)...)
}

// AppendHealth records one probe result as a history row.
func (s *BoltStore) AppendHealth(status *types.HealthStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHealth).Put(healthKey(status.Target, status.LastCheck), data)
	})
}

// LatestHealth returns the most recent health row for a target.
func (s *BoltStore) LatestHealth(target string) (*types.HealthStatus, error) {
	var status *types.HealthStatus
	prefix := []byte(target + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHealth).Cursor()
		k, v := c.Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return fmt.Errorf("no health history for %s", target)
		}
		var hs types.HealthStatus
		if err := json.Unmarshal(v, &hs); err != nil {
			return err
		}
		status = &hs
		return nil
	})
	return status, err
}

// HealthHistory returns up to n health rows for a target, newest first.
func (s *BoltStore) HealthHistory(target string, n int) ([]*types.HealthStatus, error) {
	var rows []*types.HealthStatus
	prefix := []byte(target + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHealth).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) && len(rows) < n; k, v = c.Next() {
			var hs types.HealthStatus
			if err := json.Unmarshal(v, &hs); err != nil {
				return err
			}
			rows = append(rows, &hs)
		}
		return nil
	})
	return rows, err
}
