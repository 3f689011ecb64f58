// Package todo holds the process-wide todo list shared between the agent
// loop and the todo_write tool. The loop observes the store; mutations only
// arrive through tool handlers.
package todo

import (
	"sync"

	"github.com/synapsehq/synapse/pkg/models"
)

// Store is a mutex-guarded todo list with change notification.
type Store struct {
	mu     sync.RWMutex
	items  []models.TodoItem
	subs   map[int]func()
	nextID int
}

// NewStore creates an empty todo store.
func NewStore() *Store {
	return &Store{subs: make(map[int]func())}
}

// Set replaces the todo list and notifies subscribers.
func (s *Store) Set(items []models.TodoItem) {
	s.mu.Lock()
	s.items = make([]models.TodoItem, len(items))
	copy(s.items, items)
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// Items returns a copy of the current list.
func (s *Store) Items() []models.TodoItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TodoItem, len(s.items))
	copy(out, s.items)
	return out
}

// Incomplete returns the items that are not completed.
func (s *Store) Incomplete() []models.TodoItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TodoItem
	for _, item := range s.items {
		if !item.Done() {
			out = append(out, item)
		}
	}
	return out
}

// HasIncomplete reports whether any item is pending or in progress.
func (s *Store) HasIncomplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if !item.Done() {
			return true
		}
	}
	return false
}

// Clear empties the list without notifying subscribers.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// Subscribe registers a change callback and returns an unsubscribe func.
func (s *Store) Subscribe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}
