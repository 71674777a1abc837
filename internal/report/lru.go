package report

import (
	"container/list"
	"fmt"
	"sync"
)

// LRUStore is an in-memory LRU cache of cells.
type LRUStore struct {
	mu  sync.Mutex
	cap int

	order *list.List // of *Cell, most recently used at the front
	items map[string]*list.Element
}

// NewLRUStore creates an LRU cache holding up to cap cells.
func NewLRUStore(cap int) *LRUStore {
	if cap < 1 {
		cap = 1
	}
	return &LRUStore{
		cap:   cap,
		order: list.New(),
		items: make(map[string]*list.Element, cap),
	}
}

// Save inserts or refreshes cell.
func (s *LRUStore) Save(cell *Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(cell)
	return nil
}

// Load returns the cell stored under cellID and marks it recently used.
func (s *LRUStore) Load(cellID string) (*Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[cellID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cellID)
	}
	s.order.MoveToFront(el)
	return el.Value.(*Cell), nil
}

// Recent returns up to n cells, most recently used first.
func (s *LRUStore) Recent(n int) []*Cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Cell
	for el := s.order.Front(); el != nil && len(out) < n; el = el.Next() {
		out = append(out, el.Value.(*Cell))
	}
	return out
}

// Len returns the number of cached cells.
func (s *LRUStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// put must be called with mu held.
func (s *LRUStore) put(cell *Cell) {
	if el, ok := s.items[cell.ID]; ok {
		el.Value = cell
		s.order.MoveToFront(el)
		return
	}
	s.items[cell.ID] = s.order.PushFront(cell)
	for s.order.Len() > s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*Cell).ID)
	}
}
