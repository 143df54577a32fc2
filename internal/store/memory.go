package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryTable is an in-memory Table with the same conditional-write
// semantics as the Postgres implementation. Used in tests and local
// development without a database.
type MemoryTable struct {
	mu     sync.Mutex
	chains map[string]map[int]Record // key: kind + "/" + id
}

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{chains: make(map[string]map[int]Record)}
}

func chainKey(kind, id string) string {
	return kind + "/" + id
}

func (t *MemoryTable) Get(ctx context.Context, kind, id string, version int) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	chain, ok := t.chains[chainKey(kind, id)]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec, ok := chain[version]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (t *MemoryTable) Query(ctx context.Context, kind, id string) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	chain := t.chains[chainKey(kind, id)]
	records := make([]Record, 0, len(chain))
	for _, rec := range chain {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Version > records[j].Version })
	return records, nil
}

func (t *MemoryTable) Put(ctx context.Context, rec Record, ifAbsent bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := chainKey(rec.Kind, rec.ID)
	chain, ok := t.chains[key]
	if !ok {
		chain = make(map[int]Record)
		t.chains[key] = chain
	}
	if _, exists := chain[rec.Version]; exists && ifAbsent {
		return ErrConflict
	}
	chain[rec.Version] = rec
	return nil
}

func (t *MemoryTable) Delete(ctx context.Context, kind, id string, version int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := chainKey(kind, id)
	if version <= 0 {
		delete(t.chains, key)
		return nil
	}
	if chain, ok := t.chains[key]; ok {
		delete(chain, version)
		if len(chain) == 0 {
			delete(t.chains, key)
		}
	}
	return nil
}

func (t *MemoryTable) Scan(ctx context.Context, kind string, filter func(Record) bool) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var heads []Record
	for _, chain := range t.chains {
		var head Record
		for _, rec := range chain {
			if rec.Kind == kind && rec.Version > head.Version {
				head = rec
			}
		}
		if head.Version == 0 {
			continue
		}
		if filter == nil || filter(head) {
			heads = append(heads, head)
		}
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].UpdatedAt.After(heads[j].UpdatedAt) })
	return heads, nil
}
