package report

import "sync"

// LRUStore is an in-memory LRU cache that delegates to a backing Store on miss.
type LRUStore struct {
	mu   sync.Mutex
	cap  int
	back Store

	// Doubly-linked list for LRU ordering (most recent at head).
	head, tail *lruEntry
	items      map[string]*lruEntry
}

type lruEntry struct {
	key  string
	rec  *Record
	prev *lruEntry
	next *lruEntry
}

// NewLRUStore creates an LRU cache with the given capacity that delegates
// to back on cache misses. Capacity must be >= 1.
func NewLRUStore(cap int, back Store) *LRUStore {
	if cap < 1 {
		cap = 1
	}
	return &LRUStore{
		cap:   cap,
		back:  back,
		items: make(map[string]*lruEntry, cap),
	}
}

// Save writes the record to the LRU cache and delegates to the backing store.
func (s *LRUStore) Save(rec *Record) error {
	s.mu.Lock()
	if e, ok := s.items[rec.ID]; ok {
		e.rec = rec
		s.moveToFront(e)
	} else {
		e := &lruEntry{key: rec.ID, rec: rec}
		s.items[rec.ID] = e
		s.pushFront(e)
		if len(s.items) > s.cap {
			s.evict()
		}
	}
	s.mu.Unlock()

	return s.back.Save(rec)
}

// Load checks the LRU cache first. On miss, loads from the backing store
// and promotes the record into the cache.
func (s *LRUStore) Load(id string) (*Record, error) {
	s.mu.Lock()
	if e, ok := s.items[id]; ok {
		s.moveToFront(e)
		r := e.rec
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	rec, err := s.back.Load(id)
	if err != nil {
		return nil, err
	}

	// Promote into cache.
	s.mu.Lock()
	if e, ok := s.items[id]; ok {
		// Concurrent load already inserted it.
		e.rec = rec
		s.moveToFront(e)
	} else {
		e := &lruEntry{key: id, rec: rec}
		s.items[id] = e
		s.pushFront(e)
		if len(s.items) > s.cap {
			s.evict()
		}
	}
	s.mu.Unlock()

	return rec, nil
}

func (s *LRUStore) pushFront(e *lruEntry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *LRUStore) moveToFront(e *lruEntry) {
	if s.head == e {
		return
	}
	s.remove(e)
	s.pushFront(e)
}

func (s *LRUStore) remove(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (s *LRUStore) evict() {
	if s.tail == nil {
		return
	}
	e := s.tail
	s.remove(e)
	delete(s.items, e.key)
}
