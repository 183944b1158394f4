package replication

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"krcindex/storage"
)

// journalEntry is the durable form of one pending shipment.
type journalEntry struct {
	Shard   uint32          `json:"shard"`
	Seq     uint64          `json:"seq"`
	Entries []storage.Entry `json:"entries"`
}

// Journal buffers shipments for replicas that fell out of the pending
// window, so a degraded replica can catch up after it recovers without
// the primary holding batches in memory.
type Journal struct {
	db *bolt.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("replication: open journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// journalKey is the shipment's manager-assigned ordinal. Ordinals run in
// ship order, so the bucket's key order is the replay order even when two
// shipments share a (seq, shard) pair or reach the journal out of order.
func journalKey(ord uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, ord)
	return key
}

// Append records one shipment for the replica.
func (j *Journal) Append(replicaID string, ord uint64, shard uint32, seq uint64, batch *storage.Batch) error {
	value, err := json.Marshal(journalEntry{Shard: shard, Seq: seq, Entries: batch.Entries()})
	if err != nil {
		return fmt.Errorf("replication: encode journal entry: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(replicaID))
		if err != nil {
			return err
		}
		return bucket.Put(journalKey(ord), value)
	})
}

// LastOrdinal reports the highest ordinal stored in any replica's bucket,
// so a restarted manager resumes numbering above everything journaled.
func (j *Journal) LastOrdinal() (uint64, error) {
	var max uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(_ []byte, bucket *bolt.Bucket) error {
			k, _ := bucket.Cursor().Last()
			if len(k) == 8 {
				if ord := binary.BigEndian.Uint64(k); ord > max {
					max = ord
				}
			}
			return nil
		})
	})
	return max, err
}

// Pending counts buffered shipments for the replica.
func (j *Journal) Pending(replicaID string) (int, error) {
	n := 0
	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(replicaID))
		if bucket == nil {
			return nil
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}

// Drain replays buffered shipments in order through apply, deleting each
// one after apply succeeds. It stops at the first failure so the remainder
// stays queued.
func (j *Journal) Drain(replicaID string, apply func(shard uint32, seq uint64, batch *storage.Batch) error) error {
	for {
		var (
			key   []byte
			entry journalEntry
		)
		err := j.db.View(func(tx *bolt.Tx) error {
			bucket := tx.Bucket([]byte(replicaID))
			if bucket == nil {
				return nil
			}
			k, v := bucket.Cursor().First()
			if k == nil {
				return nil
			}
			key = append([]byte(nil), k...)
			return json.Unmarshal(v, &entry)
		})
		if err != nil {
			return fmt.Errorf("replication: read journal: %w", err)
		}
		if key == nil {
			return nil
		}

		batch := new(storage.Batch)
		for _, e := range entry.Entries {
			if e.Value == nil {
				batch.Delete(e.Key)
			} else {
				batch.Put(e.Key, e.Value)
			}
		}
		if err := apply(entry.Shard, entry.Seq, batch); err != nil {
			return err
		}

		err = j.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket([]byte(replicaID))
			if bucket == nil {
				return nil
			}
			return bucket.Delete(key)
		})
		if err != nil {
			return fmt.Errorf("replication: prune journal: %w", err)
		}
	}
}
