package session

import (
	"context"
	"sync"
)

// MemoryFactory creates in-process sessions. Intended for tests and for
// embedding the engine without a shared store for visitor state.
type MemoryFactory struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
}

func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{sessions: make(map[string]*memorySession)}
}

func (f *MemoryFactory) Session(visitorID string) Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[visitorID]; ok {
		return s
	}
	s := &memorySession{id: visitorID, values: make(map[string]string)}
	f.sessions[visitorID] = s
	return s
}

type memorySession struct {
	mu     sync.RWMutex
	id     string
	values map[string]string
}

func (s *memorySession) ID() string {
	return s.id
}

func (s *memorySession) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.values[key]
	return val, ok, nil
}

func (s *memorySession) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memorySession) MultiGet(_ context.Context, keys ...string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]Entry, len(keys))
	for i, k := range keys {
		if val, ok := s.values[k]; ok {
			entries[i] = Entry{Val: val, OK: true}
		}
	}
	return entries, nil
}

func (s *memorySession) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

func (s *memorySession) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys, nil
}
