package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefixItem = "item:"

// Badger is the embedded store used by the CLI by default.
type Badger struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenBadger opens (or creates) the database in path. An empty path keeps the
// data in memory only.
func OpenBadger(path string, ttl time.Duration) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger %q: %w", path, err)
	}
	return &Badger{db: db, ttl: ttl}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func itemPrefix(jobID string) []byte {
	return []byte(keyPrefixItem + jobID + "/")
}

func itemKey(jobID, itemID string) []byte {
	return append(itemPrefix(jobID), itemID...)
}

func (b *Badger) Upsert(ctx context.Context, rec Record) error {
	stamp(&rec)
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		e := badger.NewEntry(itemKey(rec.JobID, rec.ItemID), payload)
		if b.ttl > 0 {
			e = e.WithTTL(b.ttl)
		}
		return txn.SetEntry(e)
	})
}

// retryUpdate retries on transaction conflicts, which concurrent shards
// writing the same job can cause.
func (b *Badger) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 20
	const retryDelay = 2 * time.Millisecond

	var err error
	for attempt := range maxRetries {
		if attempt > 0 {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			time.Sleep(retryDelay)
		}
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, err)
}

func (b *Badger) Get(_ context.Context, jobID, itemID string) (*Record, error) {
	var rec *Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(itemKey(jobID, itemID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			rec = new(Record)
			return json.Unmarshal(v, rec)
		})
	})
	return rec, err
}

func (b *Badger) List(ctx context.Context, jobID string) ([]Record, error) {
	var records []Record
	prefix := itemPrefix(jobID)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(records)
	return records, nil
}
