package session

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// DefaultShards is the shard count used when NewRegistry is given zero.
const DefaultShards = 32

// Registry maps device tokens to their live session. At most one session is
// registered per token; each shard has its own lock so unrelated tokens do
// not contend.
type Registry struct {
	shards []*shard
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{shards: make([]*shard, shards)}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(token string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register installs s as the live session for token and returns the session
// it replaced, if any. The replaced session is not closed here; its own
// connection tears it down.
func (r *Registry) Register(token string, s *Session) *Session {
	sh := r.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev := sh.sessions[token]
	sh.sessions[token] = s
	if prev == s {
		return nil
	}
	return prev
}

// Unregister removes the entry for token only if it is still s. It reports
// whether an entry was removed.
func (r *Registry) Unregister(token string, s *Session) bool {
	sh := r.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.sessions[token]; ok && cur == s {
		delete(sh.sessions, token)
		return true
	}
	return false
}

// Lookup returns the live session registered for token.
func (r *Registry) Lookup(token string) (*Session, bool) {
	sh := r.shardFor(token)
	sh.mu.RLock()
	s, ok := sh.sessions[token]
	sh.mu.RUnlock()
	if !ok || !s.Live() {
		return nil, false
	}
	return s, true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Info is a read-only view of a registered session.
type Info struct {
	ID         string    `json:"id"`
	// TokenHint is the masked device token.
	TokenHint  string    `json:"token_hint"`
	RemoteAddr string    `json:"remote_addr"`
	StartedAt  time.Time `json:"started_at"`
	Live       bool      `json:"live"`
}

const tokenHintLen = 4

// MaskToken keeps a short prefix of token for operators to tell devices
// apart. Tokens too short to hide behind a prefix are masked entirely.
func MaskToken(token string) string {
	if len(token) <= 2*tokenHintLen {
		return "****"
	}
	return token[:tokenHintLen] + "****"
}

// Snapshot lists registered sessions ordered by start time.
func (r *Registry) Snapshot() []Info {
	out := make([]Info, 0)
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, Info{
				ID:         s.ID,
				TokenHint:  MaskToken(s.Token),
				RemoteAddr: s.RemoteAddr,
				StartedAt:  s.StartedAt,
				Live:       s.Live(),
			})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
