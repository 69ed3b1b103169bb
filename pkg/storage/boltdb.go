package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketEvents        = []byte("events")
	bucketEventIDs      = []byte("event_ids")
	bucketEventsByRes   = []byte("events_by_resource")
	bucketRuns          = []byte("runs")
	bucketChecks        = []byte("checks")
	bucketDiscrepancies = []byte("discrepancies")
	bucketMetrics       = []byte("metrics")
	bucketAnomalies     = []byte("anomalies")
	bucketAnomalyOpen   = []byte("anomaly_open")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ledgerwatch.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEvents,
			bucketEventIDs,
			bucketEventsByRes,
			bucketRuns,
			bucketChecks,
			bucketDiscrepancies,
			bucketMetrics,
			bucketAnomalies,
			bucketAnomalyOpen,
		}

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

// timeKey orders records chronologically: 8-byte big-endian nanoseconds
// followed by the record ID to keep keys unique.
func timeKey(t time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, timePrefix(t))
	return append(key, id...)
}

func timePrefix(t time.Time) uint64 {
	ns := t.UnixNano()
	if ns < 0 {
		return 0
	}
	return uint64(ns)
}

func seekKey(t time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, timePrefix(t))
	return key
}

func keyTime(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[:8])
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v any, kind string) error {
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("%s %s: %w", kind, key, types.ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

// Run operations
func (s *BoltStore) CreateRun(run *types.ReconciliationRun) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRuns), []byte(run.ID), run)
	})
}

func (s *BoltStore) GetRun(id string) (*types.ReconciliationRun, error) {
	var run types.ReconciliationRun
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketRuns), []byte(id), &run, "run")
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) ListRuns(filter RunFilter) ([]*types.ReconciliationRun, error) {
	var runs []*types.ReconciliationRun
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run types.ReconciliationRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if filter.Kind != "" && run.Kind != filter.Kind {
				return nil
			}
			if filter.Status != "" && run.Status != filter.Status {
				return nil
			}
			if !filter.Since.IsZero() && run.StartedAt.Before(filter.Since) {
				return nil
			}
			if !filter.Until.IsZero() && run.StartedAt.After(filter.Until) {
				return nil
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (s *BoltStore) UpdateRun(run *types.ReconciliationRun) error {
	return s.CreateRun(run) // Same as create (upsert)
}

// Check operations
func (s *BoltStore) CreateCheck(check *types.ReconciliationCheck) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketChecks), []byte(check.ID), check)
	})
}

func (s *BoltStore) GetCheck(id string) (*types.ReconciliationCheck, error) {
	var check types.ReconciliationCheck
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketChecks), []byte(id), &check, "check")
	})
	if err != nil {
		return nil, err
	}
	return &check, nil
}

func (s *BoltStore) ListChecks(filter CheckFilter) ([]*types.ReconciliationCheck, error) {
	var checks []*types.ReconciliationCheck
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChecks).ForEach(func(k, v []byte) error {
			var check types.ReconciliationCheck
			if err := json.Unmarshal(v, &check); err != nil {
				return err
			}
			// Checks are matched on the run ID kept in metadata as well as the field
			if filter.RunID != "" && check.RunID != filter.RunID && check.Metadata[types.MetadataRunID] != filter.RunID {
				return nil
			}
			if filter.Name != "" && check.Name != filter.Name {
				return nil
			}
			if filter.Status != "" && check.Status != filter.Status {
				return nil
			}
			checks = append(checks, &check)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(checks, func(i, j int) bool {
		return checks[i].StartedAt.Before(checks[j].StartedAt)
	})
	return checks, nil
}

func (s *BoltStore) UpdateCheck(check *types.ReconciliationCheck) error {
	return s.CreateCheck(check)
}

// Discrepancy operations
func (s *BoltStore) CreateDiscrepancy(d *types.Discrepancy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketDiscrepancies), []byte(d.ID), d)
	})
}

func (s *BoltStore) GetDiscrepancy(id string) (*types.Discrepancy, error) {
	var d types.Discrepancy
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketDiscrepancies), []byte(id), &d, "discrepancy")
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) ListDiscrepancies(filter DiscrepancyFilter) ([]*types.Discrepancy, error) {
	var out []*types.Discrepancy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDiscrepancies).ForEach(func(k, v []byte) error {
			var d types.Discrepancy
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if filter.RunID != "" && d.RunID != filter.RunID {
				return nil
			}
			if filter.CheckID != "" && d.CheckID != filter.CheckID {
				return nil
			}
			if filter.State != "" && d.State != filter.State {
				return nil
			}
			if filter.Severity != "" && d.Severity != filter.Severity {
				return nil
			}
			out = append(out, &d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out, nil
}

func (s *BoltStore) MutateDiscrepancy(id string, fn func(d *types.Discrepancy) error) (*types.Discrepancy, error) {
	var d types.Discrepancy
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDiscrepancies)
		if err := getJSON(b, []byte(id), &d, "discrepancy"); err != nil {
			return err
		}
		if err := fn(&d); err != nil {
			return err
		}
		return putJSON(b, []byte(id), &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// hasPrefix is a readability alias used by the index scans
func hasPrefix(key, prefix []byte) bool {
	return key != nil && bytes.HasPrefix(key, prefix)
}
