package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/models"
)

// MemoryStore is a process-local CounterStore for single-instance
// deployments and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Counter
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Counter)}
}

func (s *MemoryStore) Load(_ context.Context, identity, route string) (Counter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.data[identity+"|"+route]
	return counter, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, identity, route string, counter Counter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[identity+"|"+route] = counter
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, identity, route string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, identity+"|"+route)
	return nil
}

func (s *MemoryStore) DeleteIdleBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, counter := range s.data {
		if counter.FirstCalledAt.Before(cutoff) {
			delete(s.data, key)
			removed++
		}
	}
	return removed, nil
}

// GormStore persists counters in the rate_limit_counters table so limits
// survive restarts and apply across instances sharing a database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a database handle in a CounterStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("ratelimit: db is required")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Load(ctx context.Context, identity, route string) (Counter, bool, error) {
	var row models.RateLimitCounter
	err := s.db.WithContext(ctx).
		Where("identity = ? AND route = ?", identity, route).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Counter{}, false, nil
	}
	if err != nil {
		return Counter{}, false, err
	}
	return Counter{Count: row.Count, FirstCalledAt: row.FirstCalledAt}, true, nil
}

func (s *GormStore) Save(ctx context.Context, identity, route string, counter Counter) error {
	result := s.db.WithContext(ctx).
		Model(&models.RateLimitCounter{}).
		Where("identity = ? AND route = ?", identity, route).
		Updates(map[string]any{
			"count":           counter.Count,
			"first_called_at": counter.FirstCalledAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	row := models.RateLimitCounter{
		Identity:      identity,
		Route:         route,
		Count:         counter.Count,
		FirstCalledAt: counter.FirstCalledAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *GormStore) Delete(ctx context.Context, identity, route string) error {
	return s.db.WithContext(ctx).
		Where("identity = ? AND route = ?", identity, route).
		Delete(&models.RateLimitCounter{}).Error
}

func (s *GormStore) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("first_called_at < ?", cutoff).
		Delete(&models.RateLimitCounter{})
	return result.RowsAffected, result.Error
}
