// Package intern implements the InternSet of C1 (§4.1): a fixed
// 32-bucket hash table that assigns every interned name (member names,
// operator spellings) a stable, process-wide, append-only, non-negative
// integer id. intern_get returns a placeholder with a negative id on a
// cold name; intern_put promotes it. Grounded on original_source
// intern.c/intern.h for the exact two-step get/put split.
package intern

import (
	"hash/fnv"
	"sync"

	"github.com/dolthub/swiss"
)

const tableSize = 32 // INTERN_TABLE_SIZE

// Entry is one interned name. Id is negative (a placeholder pointing
// back at its bucket) until Put promotes it to a stable non-negative id.
type Entry struct {
	id   int64
	Name string
	hash uint64
}

func (e *Entry) ID() int64 { return e.id }

// Set is a process-wide InternSet. Zero value is not usable; use New.
type Set struct {
	mu      sync.RWMutex
	buckets [tableSize]*swiss.Map[string, *Entry]
	index   []int32 // id -> packed (bucket_count<<8 | bucket_index), mirrors intern.c
	byID    []*Entry
}

// New creates an empty InternSet.
func New() *Set {
	s := &Set{}
	for i := range s.buckets {
		s.buckets[i] = swiss.NewMap[string, *Entry](8)
	}
	return s
}

func strHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Get returns the entry for name, inserting an unpromoted placeholder
// (negative id) if it is not yet known. O(1) amortised.
func (s *Set) Get(name string) *Entry {
	h := strHash(name)
	bi := h & uint64(tableSize-1)

	s.mu.RLock()
	if e, ok := s.buckets[bi].Get(name); ok {
		s.mu.RUnlock()
		return e
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.buckets[bi].Get(name); ok {
		return e
	}
	e := &Entry{id: -(int64(bi) + 1), Name: name, hash: h}
	s.buckets[bi].Put(name, e)
	return e
}

// Put promotes a cold entry (as returned by Get) to a stable non-negative id
// equal to its index in the append-only id->entry vector.
func (s *Set) Put(e *Entry) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.id >= 0 {
		return e
	}
	e.id = int64(len(s.byID))
	s.byID = append(s.byID, e)
	return e
}

// Intern is the combined intern_get+intern_put operation: returns the
// stable entry for name, creating and promoting it if new.
func (s *Set) Intern(name string) *Entry {
	e := s.Get(name)
	if e.id < 0 {
		e = s.Put(e)
	}
	return e
}

// Entry returns the reverse mapping id -> entry (intern_entry). Panics
// on an id that was never promoted, same as the C original's unchecked
// array index — callers only ever hold ids obtained from Intern.
func (s *Set) Entry(id int64) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// Len returns the number of promoted (non-negative-id) entries.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Members and Operators are the two process-wide InternSets every
// component shares (member names, operator spellings — SPEC_FULL §4.1).
var (
	Members   = New()
	Operators = New()
)
