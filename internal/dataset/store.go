package dataset

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrTableNotFound = errors.New("table not found")

// Entry is a stored table with its metadata.
type Entry struct {
	ID        string
	Table     *Table
	CreatedAt time.Time
}

// Store keeps uploaded tables in memory. Stored tables are never mutated;
// executions work on clones.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	max     int
}

// NewStore creates a store holding at most max tables; the oldest entry is
// evicted when full. max <= 0 means unbounded.
func NewStore(max int) *Store {
	return &Store{entries: make(map[string]Entry), max: max}
}

// Put stores t and returns its id.
func (s *Store) Put(t *Table) Entry {
	e := Entry{ID: uuid.New().String(), Table: t, CreatedAt: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.max > 0 && len(s.entries) >= s.max {
		s.evictOldestLocked()
	}
	s.entries[e.ID] = e
	return e
}

// Get returns the entry for id.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrTableNotFound
	}
	return e, nil
}

// Delete removes id. Missing ids are not an error.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// List returns all entries, newest first.
func (s *Store) List() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Len returns the number of stored tables.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) evictOldestLocked() {
	var oldest string
	var at time.Time
	for id, e := range s.entries {
		if oldest == "" || e.CreatedAt.Before(at) {
			oldest, at = id, e.CreatedAt
		}
	}
	delete(s.entries, oldest)
}
