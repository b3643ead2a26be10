package store

import (
	"context"
	"slices"
	"sync"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// It is suitable for tests and single-node development.
type MemStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile // keyed by email
	devices  map[string]*Device  // keyed by user id
	turns    []Turn
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		profiles: make(map[string]*Profile),
		devices:  make(map[string]*Device),
	}
}

// AddProfile registers a profile (and its device, if present) for lookup.
func (s *MemStore) AddProfile(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Email] = p
	if p.Device != nil {
		s.devices[p.UserID] = p.Device
	}
}

// UserByEmail implements [ProfileStore].
func (s *MemStore) UserByEmail(ctx context.Context, email string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[email]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// AppendTurn implements [ConversationStore].
func (s *MemStore) AppendTurn(ctx context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	return nil
}

// ChatHistory implements [ConversationStore].
func (s *MemStore) ChatHistory(ctx context.Context, userID, personalityKey string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Turn
	for _, t := range s.turns {
		if t.UserID == userID && t.PersonalityKey == personalityKey {
			out = append(out, t)
		}
	}
	return out, nil
}

// DeviceInfo implements [DeviceStore].
func (s *MemStore) DeviceInfo(ctx context.Context, userID string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// Turns returns a copy of all appended turns in insertion order.
func (s *MemStore) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.turns)
}
