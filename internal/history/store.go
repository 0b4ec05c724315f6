package history

import (
	"sync"

	ctxpkg "github.com/stupiduntilnot/chatstream/internal/context"
)

// Store holds one ordered conversation. All methods are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	turns []ctxpkg.Message
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Append adds turns to the end of the conversation in a single step, so a
// user/assistant pair committed together is never interleaved with another
// writer's turns.
func (s *Store) Append(turns ...ctxpkg.Message) {
	if len(turns) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

// Reset clears the conversation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

// Snapshot returns a copy of the current turns. Turns appended after the call
// returns are not reflected.
func (s *Store) Snapshot() []ctxpkg.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ctxpkg.Message, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of stored turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}
