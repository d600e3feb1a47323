package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketScanners = []byte("scanners")
	bucketUpdates  = []byte("updates")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketScanners, bucketUpdates} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func (s *BoltStore) SaveScanner(sc *Scanner) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketScanners, sc.Port, sc)
	})
}

func (s *BoltStore) GetScanner(port string) (*Scanner, error) {
	var sc Scanner
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketScanners, port, &sc)
	})
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *BoltStore) ListScanners() ([]*Scanner, error) {
	var scanners []*Scanner
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScanners)
		if b == nil {
			return nil
		}
		scanners = make([]*Scanner, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var sc Scanner
			if err := json.Unmarshal(v, &sc); err != nil {
				return err
			}
			scanners = append(scanners, &sc)
			return nil
		})
	})
	return scanners, err
}

func (s *BoltStore) UpdateScanner(port string, fn func(sc *Scanner) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sc := Scanner{Port: port}
		if err := get(tx, bucketScanners, port, &sc); err != nil && !isNotFound(err) {
			return err
		}
		if sc.FirstSeen.IsZero() {
			sc.FirstSeen = time.Now()
		}
		if err := fn(&sc); err != nil {
			return err
		}
		return put(tx, bucketScanners, port, &sc)
	})
}

func (s *BoltStore) SaveUpdate(rec *UpdateRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("save update: empty id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketUpdates, rec.ID, rec)
	})
}

func (s *BoltStore) GetUpdate(id string) (*UpdateRecord, error) {
	var rec UpdateRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketUpdates, id, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListUpdates returns up to limit of the most recent records, oldest
// first. A limit <= 0 returns all of them.
func (s *BoltStore) ListUpdates(limit int) ([]*UpdateRecord, error) {
	var recs []*UpdateRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdates)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(recs) == limit {
				break
			}
			var rec UpdateRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, err
}

// PruneUpdates deletes all but the newest keep records and reports how
// many were removed.
func (s *BoltStore) PruneUpdates(keep int) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdates)
		if b == nil {
			return nil
		}
		excess := b.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
