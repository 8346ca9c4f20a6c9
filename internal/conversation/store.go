package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the number of recent turns used to augment a query.
const DefaultWindow = 3

// Turn is one question/answer exchange.
type Turn struct {
	Query  string    `json:"query"`
	Answer string    `json:"answer"`
	At     time.Time `json:"at"`
}

type history struct {
	mu    sync.Mutex
	turns []Turn
}

// Store keeps per-user conversation history in memory. A short global lock
// guards the user map; each user's history has its own lock, so one user's
// turns never wait on another's.
type Store struct {
	mu     sync.Mutex
	users  map[string]*history
	window int
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithWindow sets how many recent turns Augment includes.
func WithWindow(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.window = n
		}
	}
}

// WithClock overrides the time source for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		users:  make(map[string]*history),
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Window returns the number of turns Augment uses.
func (s *Store) Window() int { return s.window }

func (s *Store) lookup(userID string, create bool) *history {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.users[userID]
	if !ok && create {
		h = &history{}
		s.users[userID] = h
	}
	return h
}

// Append records a turn for userID, creating the history on first use.
func (s *Store) Append(userID, query, answerSummary string) {
	h := s.lookup(userID, true)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, Turn{Query: query, Answer: answerSummary, At: s.now().UTC()})
}

// Recent returns up to the last k turns for userID, oldest first. A user with
// no history gets an empty slice.
func (s *Store) Recent(userID string, k int) []Turn {
	h := s.lookup(userID, false)
	if h == nil || k <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	start := len(h.turns) - k
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

// Len returns the number of turns stored for userID.
func (s *Store) Len(userID string) int {
	h := s.lookup(userID, false)
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Clear discards userID's history.
func (s *Store) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}

// Augment prefixes query with the user's recent turns, one "Q: ... A: ..."
// line per turn in chronological order. Without history the query is
// returned unchanged.
func (s *Store) Augment(userID, query string) string {
	return Compose(s.Recent(userID, s.window), query)
}

// Compose renders turns followed by query.
func Compose(turns []Turn, query string) string {
	if len(turns) == 0 {
		return query
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "Q: %s A: %s\n", t.Query, t.Answer)
	}
	b.WriteString(query)
	return b.String()
}
