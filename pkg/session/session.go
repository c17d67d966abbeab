// Package session implements the EngramSession: the single-writer
// coordinator that turns an agent run's decisions into a hash-linked chain
// of engrams on a bound store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/provenant/engram/pkg/chain"
	"github.com/provenant/engram/pkg/record"
	"github.com/provenant/engram/pkg/store"
)

// State is the session lifecycle state.
type State int

const (
	// StateOpen is the initial state: the genesis commitment is fixed and
	// sequence 0 is pending.
	StateOpen State = iota
	// StateRecording is the steady state after the first successful append.
	StateRecording
	// StateClosed is terminal; no further appends are accepted.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRecording:
		return "recording"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSessionClosed indicates a Record call on a closed session. This is an
// orchestrator bug, not a retryable condition.
var ErrSessionClosed = errors.New("session is closed")

// ErrAppendFailed indicates a transient storage failure during Record. The
// session's chain head is unchanged; retrying Record with the same decision
// is safe and idempotent.
var ErrAppendFailed = errors.New("append failed")

// Session bounds one logical run of an agent. It owns the in-progress chain
// state (head hash, sequence counter) and is explicitly bound to one store
// at construction.
//
// A Session is single-writer by construction: the owning orchestrator must
// serialize Record calls. The internal mutex keeps misuse from corrupting
// chain state but is not an invitation to share a session across callers.
type Session struct {
	tenantID  string
	agentID   string
	sessionID string
	st        store.EngramStore
	clock     func() time.Time

	mu      sync.Mutex
	state   State
	nextSeq uint64
	head    string
	pending *record.Engram // built but unacknowledged, kept for idempotent retry
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the persistence-timestamp clock. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		s.clock = clock
	}
}

// New creates a session for one agent run, bound to the given store. The
// chain head starts at the genesis commitment for (tenant, agent, session).
func New(st store.EngramStore, tenantID, agentID, sessionID string, opts ...Option) (*Session, error) {
	if st == nil {
		return nil, &record.ValidationError{Field: "store", Reason: "cannot be nil"}
	}
	if tenantID == "" {
		return nil, &record.ValidationError{Field: "tenant_id", Reason: "cannot be empty"}
	}
	if agentID == "" {
		return nil, &record.ValidationError{Field: "agent_id", Reason: "cannot be empty"}
	}
	if sessionID == "" {
		return nil, &record.ValidationError{Field: "session_id", Reason: "cannot be empty"}
	}

	s := &Session{
		tenantID:  tenantID,
		agentID:   agentID,
		sessionID: sessionID,
		st:        st,
		clock:     time.Now,
		state:     StateOpen,
		head:      chain.Genesis(tenantID, agentID, sessionID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Record builds the next engram for the decision, durably appends it, and
// advances the chain head only on success. On a storage failure the built
// engram is stashed; a retry with the same decision reuses it byte-for-byte,
// so a crash-silent success on the store side resolves to the same EngramID
// instead of a fork.
func (s *Session) Record(ctx context.Context, d record.Decision) (record.EngramID, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return "", ErrSessionClosed
	}

	id := chain.DeriveID(s.tenantID, s.agentID, s.sessionID, s.nextSeq, d)

	e := s.pending
	if e == nil || e.ID != id {
		e = &record.Engram{
			ID:         id,
			TenantID:   s.tenantID,
			AgentID:    s.agentID,
			SessionID:  s.sessionID,
			Sequence:   s.nextSeq,
			Decision:   d,
			PrevHash:   s.head,
			RecordedAt: s.clock().UTC(),
		}
		e.Hash = chain.ComputeHash(e)
	}

	storedID, err := s.st.Append(ctx, e)
	if err != nil {
		var dup *store.DuplicateIDError
		if errors.As(err, &dup) {
			// A different payload already owns this slot; retrying cannot
			// help and the conflict must surface.
			return "", err
		}
		s.pending = e
		return "", fmt.Errorf("%w: %w", ErrAppendFailed, err)
	}

	s.pending = nil
	s.head = e.Hash
	s.nextSeq = e.Sequence + 1
	s.state = StateRecording
	return storedID, nil
}

// Close transitions the session to its terminal state. Subsequent Record
// calls fail with ErrSessionClosed. The engrams already produced outlive the
// session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.pending = nil
}

// TenantID returns the owning tenant identifier.
func (s *Session) TenantID() string { return s.tenantID }

// AgentID returns the owning agent identifier.
func (s *Session) AgentID() string { return s.agentID }

// ID returns the session identifier.
func (s *Session) ID() string { return s.sessionID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HeadHash returns the current chain head: the hash of the most recently
// committed engram, or the genesis commitment before the first commit.
func (s *Session) HeadHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// NextSequence returns the sequence number the next successful Record will
// use.
func (s *Session) NextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}
