package job_test

import (
	"context"
	"slices"
	"sync"

	"github.com/valuation-tools/tabctl/internal/store"
)

// memStore keeps the job tests free of badger's background goroutines.
type memStore struct {
	mx      sync.Mutex
	records map[string]store.Record
	listErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]store.Record)}
}

func (m *memStore) Upsert(_ context.Context, rec store.Record) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.records[rec.JobID+"/"+rec.ItemID] = rec
	return nil
}

func (m *memStore) Get(_ context.Context, jobID, itemID string) (*store.Record, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	rec, ok := m.records[jobID+"/"+itemID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memStore) List(_ context.Context, jobID string) ([]store.Record, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var ret []store.Record
	for _, rec := range m.records {
		if rec.JobID == jobID {
			ret = append(ret, rec)
		}
	}
	slices.SortFunc(ret, func(a, b store.Record) int { return a.Index - b.Index })
	return ret, nil
}

func (m *memStore) Close() error { return nil }

// panickingStore panics when persisting panicOn.
type panickingStore struct {
	*memStore
	panicOn string
}

func (p *panickingStore) Upsert(ctx context.Context, rec store.Record) error {
	if rec.ItemID == p.panicOn {
		panic("store exploded")
	}
	return p.memStore.Upsert(ctx, rec)
}
