package botchat

import (
	"sync"
)

const (
	// RoleUser marks a combined user unit; its content may concatenate
	// several senders from one burst.
	RoleUser = "user"

	// RoleAssistant marks a bot reply.
	RoleAssistant = "assistant"
)

// Turn is one role-tagged message in a scope's rolling history.
// Insertion order is the dialogue order; turns are immutable once
// appended.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnStore holds the bounded rolling turn history per scope. Appends
// past the cap evict the oldest turns, which the caller archives. The
// store itself is in-memory only; durability for evicted turns comes
// from the ArchiveLog.
type TurnStore struct {
	mu sync.Mutex

	// cap is the maximum history length per scope; eviction trims the
	// scope down to cap/2
	cap int

	turns map[string][]Turn
}

func NewTurnStore(turnCap int) *TurnStore {
	return &TurnStore{
		cap:   turnCap,
		turns: map[string][]Turn{},
	}
}

// Append adds turns to a scope. If the scope then exceeds the cap, the
// oldest turns are removed so that cap/2 remain, and returned to the
// caller for archiving. The append and eviction happen atomically, so
// readers never observe a partially appended exchange.
func (s *TurnStore) Append(scope string, turns ...Turn) (evicted []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.turns[scope], turns...)
	if len(history) > s.cap {
		keep := s.cap / 2
		cut := len(history) - keep
		evicted = make([]Turn, cut)
		copy(evicted, history[:cut])
		history = append([]Turn(nil), history[cut:]...)
	}
	s.turns[scope] = history
	return evicted
}

// Recent returns up to n of the most recent turns for a scope, oldest
// first.
func (s *TurnStore) Recent(scope string, n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.turns[scope]
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]Turn, len(history))
	copy(out, history)
	return out
}

// Len returns the current history length for a scope.
func (s *TurnStore) Len(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns[scope])
}

// Clear drops the history for a scope.
func (s *TurnStore) Clear(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, scope)
}

// Scopes returns the scopes with non-empty history.
func (s *TurnStore) Scopes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	scopes := make([]string, 0, len(s.turns))
	for scope, history := range s.turns {
		if len(history) > 0 {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

// TotalTurns returns the turn count across all scopes.
func (s *TurnStore) TotalTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, history := range s.turns {
		n += len(history)
	}
	return n
}
