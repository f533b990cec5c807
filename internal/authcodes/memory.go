package authcodes

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
// Expired codes are dropped lazily on access and swept on Create.
type MemoryStore struct {
	mu    sync.Mutex
	codes map[string]*Code
	nowFn func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes: make(map[string]*Code),
		nowFn: time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, code *Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Value]; exists {
		return fmt.Errorf("code %s already exists", code.Value)
	}

	now := s.nowFn()
	for value, existing := range s.codes {
		if existing.Expired(now) {
			delete(s.codes, value)
		}
	}

	cp := *code
	s.codes[code.Value] = &cp
	return nil
}

func (s *MemoryStore) GetValid(ctx context.Context, value string) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[value]
	if !ok {
		return nil, ErrNotFound
	}
	if code.Expired(s.nowFn()) {
		delete(s.codes, value)
		return nil, ErrNotFound
	}
	if code.UsedAt != nil {
		return nil, ErrAlreadyUsed
	}
	cp := *code
	return &cp, nil
}

func (s *MemoryStore) Consume(ctx context.Context, value string) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[value]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.nowFn()
	if code.Expired(now) {
		delete(s.codes, value)
		return nil, ErrNotFound
	}
	if code.UsedAt != nil {
		return nil, ErrAlreadyUsed
	}

	used := now
	code.UsedAt = &used
	cp := *code
	return &cp, nil
}
