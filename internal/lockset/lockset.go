// Package lockset provides advisory, process-local key locks.
//
// A Registry is used twice by the engine: as the submission lock registry that keeps
// two triggers from submitting the same logical job, and as the set of identities
// currently being finalized.
package lockset

import (
	"strings"
	"sync"
)

// Token is returned by TryAcquire and must be handed back to Release.
type Token struct {
	key string
	seq uint64
}

func (t Token) Key() string {
	return t.key
}

type Registry struct {
	mu   sync.Mutex
	seq  uint64
	held map[string]uint64
}

func New() *Registry {
	return &Registry{held: map[string]uint64{}}
}

// TryAcquire holds key and returns its token, or reports false if key is already held.
func (r *Registry) TryAcquire(key string) (Token, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Token{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.held[key]; exists {
		return Token{}, false
	}
	r.seq++
	r.held[key] = r.seq
	return Token{key: key, seq: r.seq}, true
}

// Release frees the lock identified by token. Stale tokens, for example ones issued
// before a Clear, are ignored.
func (r *Registry) Release(token Token) {
	if token.key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq, ok := r.held[token.key]; ok && seq == token.seq {
		delete(r.held, token.key)
	}
}

func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[strings.TrimSpace(key)]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

// Clear drops every held key. Used when the owning session ends.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held = map[string]uint64{}
}
