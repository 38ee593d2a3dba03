package state

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in a map guarded by a read/write mutex.
type MemoryStore struct {
	mutex   sync.RWMutex
	records map[string]Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

// Get returns a copy of the record for topicReference.
func (store *MemoryStore) Get(_ context.Context, topicReference string) (Record, bool, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	record, exists := store.records[topicReference]
	if !exists {
		return Record{}, false, nil
	}
	return record.Clone(), true, nil
}

// Upsert validates and stores a copy of record.
func (store *MemoryStore) Upsert(_ context.Context, record Record) error {
	if validationError := record.Validate(); validationError != nil {
		return validationError
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.records[record.TopicReference] = record.Clone()
	return nil
}

// Remove deletes the record for topicReference if present.
func (store *MemoryStore) Remove(_ context.Context, topicReference string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	delete(store.records, topicReference)
	return nil
}

// All returns copies of every record ordered by topic reference.
func (store *MemoryStore) All(_ context.Context) ([]Record, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	records := make([]Record, 0, len(store.records))
	for _, record := range store.records {
		records = append(records, record.Clone())
	}
	sort.Slice(records, func(left int, right int) bool {
		return records[left].TopicReference < records[right].TopicReference
	})
	return records, nil
}
