// Package auth keeps the signed-in identity and its bearer token.
package auth

import (
	"errors"
	"strings"
	"sync"

	"github.com/zhouzirui/carelink/internal/model/chat"
)

var ErrInvalidIdentity = errors.New("identity requires a user id and a token")

// Identity is the signed-in participant together with the token the API accepts for them.
type Identity struct {
	User  chat.Participant `json:"user"`
	Token string           `json:"token"`
}

// Validate checks the fields every request needs.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.User.ID) == "" || strings.TrimSpace(i.Token) == "" {
		return ErrInvalidIdentity
	}
	return nil
}

// Store exposes the current identity to the chat bindings.
type Store interface {
	Current() (Identity, bool)
	Set(Identity) error
	Clear() error
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	identity *Identity
}

// NewMemoryStore returns a store, optionally preloaded with id.
func NewMemoryStore(id *Identity) *MemoryStore {
	s := &MemoryStore{}
	if id != nil {
		copied := *id
		s.identity = &copied
	}
	return s
}

// Current returns the signed-in identity, if any.
func (s *MemoryStore) Current() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// Set replaces the identity.
func (s *MemoryStore) Set(id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.identity = &id
	s.mu.Unlock()
	return nil
}

// Clear signs out.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.identity = nil
	s.mu.Unlock()
	return nil
}

// Open picks the store for a process. With a file path the identity is persisted there and
// seed is written only when the file holds none yet; otherwise seed preloads a MemoryStore.
func Open(file string, seed *Identity) (Store, error) {
	if seed != nil && seed.Validate() != nil {
		seed = nil
	}
	if file == "" {
		return NewMemoryStore(seed), nil
	}

	store := NewFileStore(file)
	if _, ok := store.Current(); !ok && seed != nil {
		if err := store.Set(*seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}
