package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// FlowStateTTL bounds how long a proxied authorization attempt may take
// between the authorize redirect and the upstream callback.
const FlowStateTTL = 10 * time.Minute

// FlowState correlates a proxied authorization request with its upstream
// callback. Created by the authorize handler, consumed exactly once by the
// callback handler.
type FlowState struct {
	RedirectURI         string
	ClientState         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	ClientID            string
	CreatedAt           time.Time
}

// Store keeps transient OAuth flow state. Implementations must be safe for
// concurrent use and must treat expired entries as absent even before any
// sweep has removed them.
type Store interface {
	Set(key string, st FlowState)
	Get(key string) (FlowState, bool)
	Delete(key string)
	Cleanup()
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]FlowState
}

// NewMemoryStore constructs the store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]FlowState)}
}

// NewStateKey generates an unguessable state token.
func NewStateKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in no state to mint
		// security tokens at all.
		panic("state key generation: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// Set stores or replaces a flow state record.
func (s *MemoryStore) Set(key string, st FlowState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = st
}

// Get retrieves a record. Expired entries are deleted and reported absent,
// independent of any periodic sweep.
func (s *MemoryStore) Get(key string) (FlowState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return FlowState{}, false
	}
	if time.Since(st.CreatedAt) > FlowStateTTL {
		delete(s.states, key)
		return FlowState{}, false
	}
	return st, true
}

// Delete removes a record.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
}

// Cleanup sweeps expired records.
func (s *MemoryStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, st := range s.states {
		if time.Since(st.CreatedAt) > FlowStateTTL {
			delete(s.states, key)
		}
	}
}
