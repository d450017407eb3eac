package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

var (
	itemsBucket = []byte("queue")
	indexBucket = []byte("index")
	metaBucket  = []byte("meta")
)

// BoltPersister keeps the queue in a bbolt file. Items live under
// monotonically increasing sequence keys so a cursor walk returns them in
// queue order; the index bucket maps item ids to those keys.
type BoltPersister struct {
	db *bbolt.DB
}

func OpenBolt(path string) (*BoltPersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating queue directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening queue database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{itemsBucket, indexBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing queue database: %w", err)
	}
	return &BoltPersister{db: db}, nil
}

func (b *BoltPersister) Close() error {
	return b.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func idKey(id int64) []byte {
	return seqKey(uint64(id))
}

func putItems(tx *bbolt.Tx, items []*Item) error {
	bucket := tx.Bucket(itemsBucket)
	index := tx.Bucket(indexBucket)
	for _, it := range items {
		if index.Get(idKey(it.ItemID())) != nil {
			return fmt.Errorf("%w: %d", ErrDuplicate, it.ItemID())
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(it.Snapshot())
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		if err := bucket.Put(seqKey(seq), data); err != nil {
			return err
		}
		if err := index.Put(idKey(it.ItemID()), seqKey(seq)); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltPersister) AddAll(items []*Item) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putItems(tx, items)
	})
}

func (b *BoltPersister) Remove(ids []int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(itemsBucket)
		index := tx.Bucket(indexBucket)
		for _, id := range ids {
			seq := index.Get(idKey(id))
			if seq == nil {
				continue
			}
			if err := bucket.Delete(seq); err != nil {
				return err
			}
			if err := index.Delete(idKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func clearBuckets(tx *bbolt.Tx) error {
	for _, name := range [][]byte{itemsBucket, indexBucket} {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltPersister) Clear() error {
	return b.db.Update(clearBuckets)
}

func (b *BoltPersister) Replace(items []*Item) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := clearBuckets(tx); err != nil {
			return err
		}
		return putItems(tx, items)
	})
}

func (b *BoltPersister) Put(item *Item) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		seq := tx.Bucket(indexBucket).Get(idKey(item.ItemID()))
		if seq == nil {
			return fmt.Errorf("%w: %d", ErrNotFound, item.ItemID())
		}
		data, err := json.Marshal(item.Snapshot())
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		return tx.Bucket(itemsBucket).Put(seq, data)
	})
}

// Load returns the persisted items in queue order.
func (b *BoltPersister) Load() ([]*Item, error) {
	var items []*Item
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(k, v []byte) error {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				log.Warn().Str("op", "queue/bolt").Err(err).Msg("skipping unreadable queue entry")
				return nil
			}
			items = append(items, FromSnapshot(snap))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("error loading queue: %w", err)
	}
	return items, nil
}

// NextID hands out item ids that stay unique across restarts.
func (b *BoltPersister) NextID() (int64, error) {
	var id uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		id, err = tx.Bucket(metaBucket).NextSequence()
		return err
	})
	return int64(id), err
}

// Open loads the persisted queue at path into a ready store.
func Open(path string) (*Store[*Item], *BoltPersister, error) {
	persister, err := OpenBolt(path)
	if err != nil {
		return nil, nil, err
	}
	items, err := persister.Load()
	if err != nil {
		persister.Close()
		return nil, nil, err
	}
	log.Debug().Str("op", "queue/bolt").Int("items", len(items)).Msg("queue loaded")
	return NewStore[*Item](persister, items), persister, nil
}
