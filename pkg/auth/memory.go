package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type dashKey struct {
	owner  string
	dashID int
}

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Device
	dashes map[dashKey]string
}

// NewMemoryStore returns a store preloaded with seed devices.
func NewMemoryStore(seed ...Device) (*MemoryStore, error) {
	s := &MemoryStore{
		tokens: make(map[string]Device),
		dashes: make(map[dashKey]string),
	}
	for _, d := range seed {
		if d.Token == "" {
			return nil, fmt.Errorf("auth: seed device for %s/%d has no token", d.Owner, d.DashID)
		}
		if d.IssuedAt.IsZero() {
			d.IssuedAt = time.Now()
		}
		s.tokens[d.Token] = d
		s.dashes[dashKey{d.Owner, d.DashID}] = d.Token
	}
	return s, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, token string) (Device, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tokens[token]
	if !ok {
		return Device{}, ErrInvalidToken
	}
	return d, nil
}

func (s *MemoryStore) Issue(ctx context.Context, owner string, dashID int) (Device, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if token, ok := s.dashes[dashKey{owner, dashID}]; ok {
		return s.tokens[token], nil
	}
	return s.issueLocked(owner, dashID), nil
}

func (s *MemoryStore) Refresh(ctx context.Context, owner string, dashID int) (Device, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.dashes[dashKey{owner, dashID}]; ok {
		delete(s.tokens, old)
	}
	return s.issueLocked(owner, dashID), nil
}

func (s *MemoryStore) issueLocked(owner string, dashID int) Device {
	d := Device{Token: NewToken(), Owner: owner, DashID: dashID, IssuedAt: time.Now()}
	s.tokens[d.Token] = d
	s.dashes[dashKey{owner, dashID}] = d.Token
	return d
}
