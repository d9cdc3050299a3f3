// Package mockbackend is a local stand-in for the telehealth chat API: a history
// endpoint and a websocket relay between signed-in users.
package mockbackend

import (
	"context"
	"sync"
)

// HistoryStore keeps the raw "<senderId>: <text>" lines of each conversation.
type HistoryStore interface {
	Append(ctx context.Context, a, b, line string) error
	List(ctx context.Context, a, b string) ([]string, error)
	Close() error
}

// conversationKey is the same for (a, b) and (b, a).
func conversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// MemoryStore implements HistoryStore in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	lines map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lines: make(map[string][]string)}
}

func (s *MemoryStore) Append(_ context.Context, a, b, line string) error {
	key := conversationKey(a, b)
	s.mu.Lock()
	s.lines[key] = append(s.lines[key], line)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context, a, b string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.lines[conversationKey(a, b)]...), nil
}

func (s *MemoryStore) Close() error { return nil }
