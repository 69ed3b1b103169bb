package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Events live in one sub-bucket per resource type keyed by timeKey, with a
// per-resource index (resourceID \x00 timeKey -> primary key) for latest lookups.

func (s *BoltStore) AppendEvent(event *types.EventRecord) error {
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if !event.ResourceType.Valid() {
		return fmt.Errorf("invalid resource type %q", event.ResourceType)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketEventIDs)
		if ids.Get([]byte(event.ID)) != nil {
			return nil
		}

		events, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(event.ResourceType))
		if err != nil {
			return err
		}
		index, err := tx.Bucket(bucketEventsByRes).CreateBucketIfNotExists([]byte(event.ResourceType))
		if err != nil {
			return err
		}

		key := timeKey(event.Timestamp, event.ID)
		if err := putJSON(events, key, event); err != nil {
			return err
		}
		if err := index.Put(resourceIndexKey(event.ResourceID, key), key); err != nil {
			return err
		}
		return ids.Put([]byte(event.ID), key)
	})
}

func resourceIndexKey(resourceID string, primary []byte) []byte {
	k := make([]byte, 0, len(resourceID)+1+len(primary))
	k = append(k, resourceID...)
	k = append(k, 0)
	return append(k, primary...)
}

func (s *BoltStore) FindEventsSince(resourceType types.ResourceType, since time.Time, filter EventFilter) ([]*types.EventRecord, error) {
	var out []*types.EventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket([]byte(resourceType))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Seek(seekKey(since)); k != nil; k, v = c.Next() {
			if !filter.Until.IsZero() && keyTime(k) > timePrefix(filter.Until) {
				break
			}
			var ev types.EventRecord
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if filter.ProcessingState != "" && ev.ProcessingState != filter.ProcessingState {
				continue
			}
			if filter.ResourceID != "" && ev.ResourceID != filter.ResourceID {
				continue
			}
			out = append(out, &ev)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) LatestEvent(resourceType types.ResourceType, resourceID string, state types.ProcessingState) (*types.EventRecord, error) {
	var found *types.EventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketEventsByRes).Bucket([]byte(resourceType))
		events := tx.Bucket(bucketEvents).Bucket([]byte(resourceType))
		if index == nil || events == nil {
			return nil
		}

		prefix := append([]byte(resourceID), 0)
		upper := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)

		c := index.Cursor()
		k, v := c.Seek(upper)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; hasPrefix(k, prefix); k, v = c.Prev() {
			data := events.Get(v)
			if data == nil {
				continue
			}
			var ev types.EventRecord
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			if state != "" && ev.ProcessingState != state {
				continue
			}
			found = &ev
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("event for %s %s: %w", resourceType, resourceID, types.ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) distinctResources(resourceType types.ResourceType, start, end time.Time) ([]string, error) {
	events, err := s.FindEventsSince(resourceType, start, EventFilter{
		ProcessingState: types.ProcessingProcessed,
		Until:           end,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(events))
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		if _, ok := seen[ev.ResourceID]; ok {
			continue
		}
		seen[ev.ResourceID] = struct{}{}
		ids = append(ids, ev.ResourceID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *BoltStore) CountDistinctResources(resourceType types.ResourceType, start, end time.Time) (int, error) {
	ids, err := s.distinctResources(resourceType, start, end)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *BoltStore) ListDistinctResources(resourceType types.ResourceType, start, end time.Time, offset, limit int) ([]string, error) {
	ids, err := s.distinctResources(resourceType, start, end)
	if err != nil {
		return nil, err
	}
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
