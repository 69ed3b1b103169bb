package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Metric operations
func (s *BoltStore) AppendMetric(metric *types.EventMetric) error {
	if metric.ID == "" || metric.Name == "" {
		return fmt.Errorf("metric id and name are required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketMetrics).CreateBucketIfNotExists([]byte(metric.Name))
		if err != nil {
			return err
		}
		return putJSON(b, timeKey(metric.Timestamp, metric.ID), metric)
	})
}

func (s *BoltStore) ListMetrics(filter MetricFilter) ([]*types.EventMetric, error) {
	var out []*types.EventMetric
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics).Bucket([]byte(filter.Name))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Seek(seekKey(filter.Since)); k != nil; k, v = c.Next() {
			if !filter.Until.IsZero() && keyTime(k) > timePrefix(filter.Until) {
				break
			}
			var m types.EventMetric
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if filter.MatchDimensions && !m.Dimensions.Equal(filter.Dimensions) {
				continue
			}
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

// Anomaly operations
func (s *BoltStore) UpsertAnomaly(candidate *types.Anomaly) (*types.Anomaly, bool, error) {
	var (
		result  *types.Anomaly
		created bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		anomalies := tx.Bucket(bucketAnomalies)
		open := tx.Bucket(bucketAnomalyOpen)
		dedup := []byte(candidate.DedupKey())

		if id := open.Get(dedup); id != nil {
			var existing types.Anomaly
			if err := getJSON(anomalies, id, &existing, "anomaly"); err != nil {
				return err
			}
			if !existing.Resolved {
				existing.Occurrences++
				existing.LastOccurrenceAt = candidate.LastOccurrenceAt
				existing.Value = candidate.Value
				existing.ObservationID = candidate.ObservationID
				if err := putJSON(anomalies, id, &existing); err != nil {
					return err
				}
				result = &existing
				return nil
			}
		}

		if candidate.Occurrences < 1 {
			candidate.Occurrences = 1
		}
		if err := putJSON(anomalies, []byte(candidate.ID), candidate); err != nil {
			return err
		}
		if err := open.Put(dedup, []byte(candidate.ID)); err != nil {
			return err
		}
		result = candidate
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (s *BoltStore) GetAnomaly(id string) (*types.Anomaly, error) {
	var a types.Anomaly
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketAnomalies), []byte(id), &a, "anomaly")
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAnomalies(filter AnomalyFilter) ([]*types.Anomaly, error) {
	var out []*types.Anomaly
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAnomalies).ForEach(func(k, v []byte) error {
			var a types.Anomaly
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if filter.UnresolvedOnly && a.Resolved {
				return nil
			}
			if filter.MetricID != "" && a.MetricID != filter.MetricID {
				return nil
			}
			if filter.RuleType != "" && a.RuleType != filter.RuleType {
				return nil
			}
			if !filter.LastOccurrenceBefore.IsZero() && !a.LastOccurrenceAt.Before(filter.LastOccurrenceBefore) {
				return nil
			}
			out = append(out, &a)
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

func (s *BoltStore) ResolveAnomaly(id, reason string, at time.Time) (*types.Anomaly, error) {
	var a types.Anomaly
	err := s.db.Update(func(tx *bolt.Tx) error {
		anomalies := tx.Bucket(bucketAnomalies)
		if err := getJSON(anomalies, []byte(id), &a, "anomaly"); err != nil {
			return err
		}
		if a.Resolved {
			return fmt.Errorf("anomaly %s: %w", id, types.ErrAlreadyResolved)
		}

		a.Resolved = true
		a.ResolutionReason = reason
		resolvedAt := at
		a.ResolvedAt = &resolvedAt
		if err := putJSON(anomalies, []byte(id), &a); err != nil {
			return err
		}

		open := tx.Bucket(bucketAnomalyOpen)
		dedup := []byte(a.DedupKey())
		if string(open.Get(dedup)) == id {
			return open.Delete(dedup)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}
