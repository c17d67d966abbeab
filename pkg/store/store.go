// Package store provides durable storage backends for engram chains.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/provenant/engram/pkg/chain"
	"github.com/provenant/engram/pkg/record"
)

// Query is a filter specification for reads. Zero-valued fields are
// unconstrained. Results are chronological within a session (ascending
// sequence) by default; OrderDesc reverses the scan. Limit of 0 means
// unlimited.
type Query struct {
	TenantID   string
	AgentID    string
	SessionID  string
	ActionType string
	Since      time.Time // Inclusive lower bound on RecordedAt
	Until      time.Time // Exclusive upper bound on RecordedAt
	OrderDesc  bool
	Limit      int
}

// Matches reports whether an engram satisfies every set filter.
func (q Query) Matches(e *record.Engram) bool {
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if q.AgentID != "" && e.AgentID != q.AgentID {
		return false
	}
	if q.SessionID != "" && e.SessionID != q.SessionID {
		return false
	}
	if q.ActionType != "" && e.Decision.Action.Type != q.ActionType {
		return false
	}
	if !q.Since.IsZero() && e.RecordedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !e.RecordedAt.Before(q.Until) {
		return false
	}
	return true
}

// EngramStore is the capability set exposed to sessions and readers.
// Implementations must serialize appends within one (tenant, session)
// partition and may run appends to distinct partitions fully concurrently.
type EngramStore interface {
	// Append durably persists an engram and returns its ID. If an engram
	// with the same ID already exists, Append succeeds idempotently when the
	// content hash is identical and fails with *DuplicateIDError when it
	// differs. The engram must extend its session chain: its sequence and
	// previous-hash must match the current partition head.
	Append(ctx context.Context, e *record.Engram) (record.EngramID, error)

	// Get retrieves one engram by ID. Returns ErrNotFound on a miss.
	Get(ctx context.Context, id record.EngramID) (*record.Engram, error)

	// Query returns a lazy, finite, restartable sequence of engrams matching
	// the filter. Re-ranging the returned iterator re-scans from the
	// beginning. Iteration stops at the first yielded error.
	Query(ctx context.Context, q Query) iter.Seq2[*record.Engram, error]

	// Verify loads the full chain for one session in sequence order and
	// delegates to chain.VerifyChain. Returns ErrNotFound if the session has
	// no engrams.
	Verify(ctx context.Context, tenantID, sessionID string) (chain.VerificationResult, error)

	// Close releases any resources held by the store.
	Close() error
}

// ErrNotFound indicates a lookup miss on Get or Verify.
var ErrNotFound = errors.New("engram not found")

// ErrClosed indicates an operation on a closed store.
var ErrClosed = errors.New("store is closed")

// ErrChainMismatch indicates an append whose sequence or previous-hash does
// not extend the current partition head. The partition is left unchanged.
var ErrChainMismatch = errors.New("append does not extend session chain")

// ErrIntegrity indicates a chain verification failure that cannot be
// explained by an ordinary crash (tail truncation). It is always surfaced,
// never repaired.
var ErrIntegrity = errors.New("partition failed integrity check")

// DuplicateIDError reports an append whose ID collides with an existing
// engram of different content. Overwriting would defeat tamper-evidence, so
// the existing record always wins and the conflict is surfaced.
type DuplicateIDError struct {
	ID record.EngramID
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("engram %s already exists with different content", e.ID)
}

// checkAppend validates an engram's envelope and recomputes its identity
// fields before any I/O. A store only ever persists records it could later
// verify.
func checkAppend(e *record.Engram) error {
	if e == nil {
		return &record.ValidationError{Field: "engram", Reason: "cannot be nil"}
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID != chain.DeriveID(e.TenantID, e.AgentID, e.SessionID, e.Sequence, e.Decision) {
		return &record.ValidationError{Field: "engram.id", Reason: "does not match derived id"}
	}
	if e.Hash != chain.ComputeHash(e) {
		return &record.ValidationError{Field: "engram.hash", Reason: "does not match content"}
	}
	return nil
}
