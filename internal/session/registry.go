// ABOUTME: Concurrency-safe map from session id to Record
// ABOUTME: All mutation is whole-value replacement under the lock; snapshots are copies

package session

import (
	"sort"
	"sync"
)

// Registry is the single source of truth for which sessions exist and their state.
type Registry struct {
	records map[string]Record
	mu      sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]Record),
	}
}

// Get returns the record for id. Absence is reported by ok == false.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Set stores rec, replacing any existing record with the same id.
func (r *Registry) Set(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
}

// Delete removes id and reports whether it was present.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	delete(r.records, id)
	return ok
}

// Update applies fn to a copy of the record for id and stores the result.
// It returns the stored record, or ok == false if id is absent.
func (r *Registry) Update(id string, fn func(*Record)) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	fn(&rec)
	rec.ID = id
	r.records[id] = rec
	return rec, true
}

// UpdateIf applies fn like Update, but only when pred returns true for the
// current record.
func (r *Registry) UpdateIf(id string, pred func(Record) bool, fn func(*Record)) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || !pred(rec) {
		return Record{}, false
	}
	fn(&rec)
	rec.ID = id
	r.records[id] = rec
	return rec, true
}

// DeleteIf removes id only if pred returns true for its current record.
func (r *Registry) DeleteIf(id string, pred func(Record) bool) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || !pred(rec) {
		return Record{}, false
	}
	delete(r.records, id)
	return rec, true
}

// Snapshot returns a copy of every record, ordered by id. The lock is held
// only while copying.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
