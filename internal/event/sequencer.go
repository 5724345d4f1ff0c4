package event

import "sync"

// Sequencer issues strictly increasing sequence numbers, independent per
// session, starting at 1. Counters live only for the process lifetime: a
// restart resets them, which is acceptable because no replay is promised.
type Sequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewSequencer() *Sequencer {
	return &Sequencer{counters: make(map[string]int64)}
}

// Next returns the next sequence number for the session. Safe under
// concurrent callers; no two callers receive the same value.
func (s *Sequencer) Next(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[sessionID]++
	return s.counters[sessionID]
}

// Current returns the last issued sequence number for the session, zero if
// the session has never produced an event.
func (s *Sequencer) Current(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[sessionID]
}
