package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/axiomvoice/axiom/model"
)

// ErrUnknownCall is returned when a turn is appended to a call that was
// never created.
var ErrUnknownCall = errors.New("unknown call")

// DefaultSessionTTL is how long an idle session survives after its last
// turn before the janitor evicts it.
const DefaultSessionTTL = 30 * time.Minute

// EvictFunc is invoked with a copy of each session removed by eviction or
// explicit termination. Used to archive finished conversations.
type EvictFunc func(model.CallSession)

// sessionEntry guards one call's state. Each entry has its own lock so
// operations on different calls never contend.
type sessionEntry struct {
	mu      sync.Mutex
	session model.CallSession
}

// Sessions holds per-call conversation state keyed by call SID.
type Sessions struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry

	clock   Clock
	ttl     time.Duration
	onEvict EvictFunc
	logger  *zap.Logger
}

// SessionsOption configures the session store.
type SessionsOption func(*Sessions)

// WithClock sets the clock used for timestamps and eviction.
func WithClock(c Clock) SessionsOption {
	return func(s *Sessions) { s.clock = c }
}

// WithTTL sets the idle lifetime of a session.
func WithTTL(d time.Duration) SessionsOption {
	return func(s *Sessions) { s.ttl = d }
}

// WithEvictFunc registers a callback for evicted or terminated sessions.
func WithEvictFunc(f EvictFunc) SessionsOption {
	return func(s *Sessions) { s.onEvict = f }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) SessionsOption {
	return func(s *Sessions) { s.logger = l }
}

// NewSessions creates a session store.
func NewSessions(opts ...SessionsOption) *Sessions {
	s := &Sessions{
		entries: make(map[string]*sessionEntry),
		clock:   NewAutoClock(),
		ttl:     DefaultSessionTTL,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns a copy of the session for callSID, creating it in the
// Greeting state with no turns on first access. Idempotent.
func (s *Sessions) GetOrCreate(callSID, from string) model.CallSession {
	e := s.entry(callSID, from)
	e.mu.Lock()
	defer e.mu.Unlock()
	return copySession(&e.session)
}

// entry returns the live entry for callSID, inserting one if needed.
func (s *Sessions) entry(callSID, from string) *sessionEntry {
	s.mu.RLock()
	e, ok := s.entries[callSID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[callSID]; ok {
		return e
	}
	now := s.clock.Now()
	e = &sessionEntry{session: model.CallSession{
		CallSID:      callSID,
		From:         from,
		State:        model.StateGreeting,
		CreatedAt:    now,
		LastActivity: now,
	}}
	s.entries[callSID] = e
	s.logger.Debug("session created", zap.String("call_sid", callSID))
	return e
}

// AppendTurn adds one turn to the call's history. The append is atomic with
// respect to other operations on the same call.
func (s *Sessions) AppendTurn(callSID string, speaker model.Speaker, text string) error {
	s.mu.RLock()
	e, ok := s.entries[callSID]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownCall
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := s.clock.Now()
	e.session.Turns = append(e.session.Turns, model.Turn{Speaker: speaker, Text: text, At: now})
	e.session.LastActivity = now
	return nil
}

// SetState transitions the call to a new conversational state.
func (s *Sessions) SetState(callSID string, state model.SessionState) error {
	s.mu.RLock()
	e, ok := s.entries[callSID]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownCall
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.State = state
	e.session.LastActivity = s.clock.Now()
	return nil
}

// IncrementReprompt bumps the silence counter and returns the new value.
func (s *Sessions) IncrementReprompt(callSID string) (int, error) {
	s.mu.RLock()
	e, ok := s.entries[callSID]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrUnknownCall
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.RepromptCount++
	e.session.LastActivity = s.clock.Now()
	return e.session.RepromptCount, nil
}

// ResetReprompt clears the silence counter after the caller speaks.
func (s *Sessions) ResetReprompt(callSID string) {
	s.mu.RLock()
	e, ok := s.entries[callSID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.session.RepromptCount = 0
	e.mu.Unlock()
}

// Turns returns a copy of the call's conversation history.
func (s *Sessions) Turns(callSID string) ([]model.Turn, error) {
	s.mu.RLock()
	e, ok := s.entries[callSID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownCall
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	turns := make([]model.Turn, len(e.session.Turns))
	copy(turns, e.session.Turns)
	return turns, nil
}

// Get returns a copy of the session if it exists.
func (s *Sessions) Get(callSID string) (model.CallSession, bool) {
	s.mu.RLock()
	e, ok := s.entries[callSID]
	s.mu.RUnlock()
	if !ok {
		return model.CallSession{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copySession(&e.session), true
}

// Terminate marks the session terminated and removes it from the store,
// handing a copy to the eviction callback.
func (s *Sessions) Terminate(callSID string) {
	s.mu.Lock()
	e, ok := s.entries[callSID]
	if ok {
		delete(s.entries, callSID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.session.State = model.StateTerminated
	evicted := copySession(&e.session)
	e.mu.Unlock()

	s.logger.Debug("session terminated", zap.String("call_sid", callSID))
	if s.onEvict != nil {
		s.onEvict(evicted)
	}
}

// EvictExpired removes every session idle for longer than the TTL and
// returns how many were removed. Called by the janitor; exported so tests
// can drive it with a manual clock.
func (s *Sessions) EvictExpired() int {
	cutoff := s.clock.Now().Add(-s.ttl)

	s.mu.Lock()
	var expired []*sessionEntry
	for sid, e := range s.entries {
		e.mu.Lock()
		idle := e.session.LastActivity.Before(cutoff)
		e.mu.Unlock()
		if idle {
			expired = append(expired, e)
			delete(s.entries, sid)
		}
	}
	s.mu.Unlock()

	for _, e := range expired {
		e.mu.Lock()
		e.session.State = model.StateTerminated
		evicted := copySession(&e.session)
		e.mu.Unlock()
		s.logger.Info("session evicted", zap.String("call_sid", evicted.CallSID))
		if s.onEvict != nil {
			s.onEvict(evicted)
		}
	}
	return len(expired)
}

// RunJanitor evicts expired sessions on the given interval until the
// context is canceled.
func (s *Sessions) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EvictExpired()
		}
	}
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns copies of all live sessions.
func (s *Sessions) Snapshot() []model.CallSession {
	s.mu.RLock()
	entries := make([]*sessionEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]model.CallSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, copySession(&e.session))
		e.mu.Unlock()
	}
	return out
}

func copySession(s *model.CallSession) model.CallSession {
	c := *s
	c.Turns = make([]model.Turn, len(s.Turns))
	copy(c.Turns, s.Turns)
	return c
}
