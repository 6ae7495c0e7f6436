// Package journal keeps the history of generated scripts per owner.
package journal

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"sturdy-parent/internal/models"
)

const DefaultCapacity = 50

// Store is an in-memory journal. Items are returned newest first and each
// owner keeps at most capacity items.
type Store struct {
	mu       sync.RWMutex
	items    map[string][]models.HistoryItem
	capacity int
	now      func() time.Time
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		items:    make(map[string][]models.HistoryItem),
		capacity: capacity,
		now:      time.Now,
	}
}

func (s *Store) Add(owner string, mode models.GenerationMode, situation, result string) models.HistoryItem {
	item := models.HistoryItem{
		ID:        uuid.NewString(),
		CreatedAt: s.now().UTC(),
		Type:      mode,
		Situation: situation,
		Result:    result,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append([]models.HistoryItem{item}, s.items[owner]...)
	if len(list) > s.capacity {
		list = list[:s.capacity]
	}
	s.items[owner] = list

	return item
}

// List returns up to limit items, newest first. limit <= 0 returns all.
func (s *Store) List(owner string, limit int) []models.HistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.items[owner]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]models.HistoryItem, len(list))
	copy(out, list)
	return out
}

func (s *Store) Clear(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, owner)
}
