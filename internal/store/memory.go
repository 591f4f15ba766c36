package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type dictionaryKey struct {
	value    string
	dataType string
	category string
}

// MemoryStore is an in-process Store for development and tests
type MemoryStore struct {
	mu         sync.RWMutex
	nextID     int64
	pseudonyms map[string]*PseudonymRecord
	byID       map[int64]*PseudonymRecord
	dictionary map[dictionaryKey]DictionaryEntry
	audit      []AuditEntry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pseudonyms: make(map[string]*PseudonymRecord),
		byID:       make(map[int64]*PseudonymRecord),
		dictionary: make(map[dictionaryKey]DictionaryEntry),
	}
}

func (m *MemoryStore) LookupPseudonym(_ context.Context, hash string) (*PseudonymRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.pseudonyms[hash]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) InsertPseudonym(_ context.Context, rec *PseudonymRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pseudonyms[rec.OriginalHash]; ok {
		return ErrDuplicate
	}

	m.nextID++
	now := time.Now()
	rec.ID = m.nextID
	rec.UsageCount = 1
	rec.CreatedAt = now
	rec.LastUsedAt = now

	cp := *rec
	m.pseudonyms[rec.OriginalHash] = &cp
	m.byID[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) IncrementUsage(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.UsageCount++
	rec.LastUsedAt = time.Now()
	return nil
}

func (m *MemoryStore) AppendAuditLog(_ context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.audit = append(m.audit, entry)
	return nil
}

// LoadDictionaryEntries returns matching entries, longest original value first
func (m *MemoryStore) LoadDictionaryEntries(_ context.Context, filter DictionaryFilter) ([]DictionaryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []DictionaryEntry{}
	for _, e := range m.dictionary {
		if filter.Matches(e) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if len(entries[i].OriginalValue) != len(entries[j].OriginalValue) {
			return len(entries[i].OriginalValue) > len(entries[j].OriginalValue)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (m *MemoryStore) UpsertDictionaryEntries(_ context.Context, entries []DictionaryEntry) (*UpsertResult, error) {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		key := dictionaryKey{value: e.OriginalValue, dataType: e.DataType, category: e.Category}
		if existing, ok := m.dictionary[key]; ok {
			e.ID = existing.ID
		} else {
			m.nextID++
			e.ID = m.nextID
		}
		m.dictionary[key] = e
	}
	return &UpsertResult{Upserted: int64(len(entries)), Duration: time.Since(start)}, nil
}

func (m *MemoryStore) GetStats(context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return &Stats{
		Pseudonyms:        int64(len(m.pseudonyms)),
		DictionaryEntries: int64(len(m.dictionary)),
		AuditEntries:      int64(len(m.audit)),
	}, nil
}

// AuditEntries returns a copy of the audit log
func (m *MemoryStore) AuditEntries() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *MemoryStore) Close() error { return nil }
