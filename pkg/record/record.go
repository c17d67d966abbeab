// Package record defines the immutable value types persisted by the engram
// subsystem: the action an agent took, the alternatives it rejected, the
// decision wrapping them, and the hash-linked engram that makes the decision
// durable and tamper-evident.
package record

import (
	"fmt"
	"maps"
	"time"
)

// EngramID is the opaque primary key of one engram. IDs are deterministic:
// the same (tenant, agent, session, sequence, decision) always produces the
// same ID, which is what makes retried appends idempotent at the store.
type EngramID string

// Action is the concrete operation an agent performed or proposed.
type Action struct {
	Type   string            `json:"type"`             // Operation tag, e.g. "quarantine", "alert"
	Params map[string]string `json:"params,omitempty"` // Free-form parameters
}

// Equal reports whether two actions are identical in type and parameters.
func (a Action) Equal(b Action) bool {
	return a.Type == b.Type && maps.Equal(a.Params, b.Params)
}

// Alternative is an action that was considered but not chosen, with the
// rationale for rejecting it and an optional confidence estimate.
type Alternative struct {
	Action     Action   `json:"action"`
	Rationale  string   `json:"rationale"`
	Confidence *float64 `json:"confidence,omitempty"` // Optional, in [0,1]
}

// Decision is the unit of reasoning: the chosen action, why it was chosen,
// the ranked alternatives that lost, and the approval tier under which the
// action was allowed to proceed. Immutable after construction.
type Decision struct {
	Action       Action        `json:"action"`
	Rationale    string        `json:"rationale"`
	Confidence   float64       `json:"confidence"` // In [0,1]
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Tier         string        `json:"tier"`      // Opaque value from the external policy evaluator
	Timestamp    time.Time     `json:"timestamp"` // Agent-assigned, untrusted
}

// Engram is the durable, tamper-evident wrapper around one decision.
// RecordedAt is server-assigned at persistence time and is distinct from the
// agent-assigned Decision.Timestamp. Once written an engram is never mutated.
type Engram struct {
	ID         EngramID  `json:"id"`
	TenantID   string    `json:"tenant_id"`
	AgentID    string    `json:"agent_id"`
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"seq"` // Contiguous per session, starting at 0
	Decision   Decision  `json:"decision"`
	PrevHash   string    `json:"prev_hash"` // Hash of sequence-1, or the genesis commitment at sequence 0
	Hash       string    `json:"hash"`      // Content hash over all other fields
	RecordedAt time.Time `json:"recorded_at"`
}

// ValidationError reports a malformed record field. It is returned before
// any I/O happens; no partial object is ever produced alongside it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks construction-time invariants of an action.
func (a Action) Validate() error {
	if a.Type == "" {
		return &ValidationError{Field: "action.type", Reason: "cannot be empty"}
	}
	return nil
}

// Validate checks construction-time invariants of an alternative.
func (alt Alternative) Validate() error {
	if err := alt.Action.Validate(); err != nil {
		return err
	}
	if alt.Rationale == "" {
		return &ValidationError{Field: "alternative.rationale", Reason: "cannot be empty"}
	}
	if alt.Confidence != nil && (*alt.Confidence < 0 || *alt.Confidence > 1) {
		return &ValidationError{Field: "alternative.confidence", Reason: "must be in [0,1]"}
	}
	return nil
}

// Validate checks construction-time invariants of a decision: non-empty
// action type and rationale, confidence in [0,1], well-formed alternatives,
// and no alternative duplicating the chosen action.
func (d Decision) Validate() error {
	if err := d.Action.Validate(); err != nil {
		return err
	}
	if d.Rationale == "" {
		return &ValidationError{Field: "decision.rationale", Reason: "cannot be empty"}
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return &ValidationError{Field: "decision.confidence", Reason: "must be in [0,1]"}
	}
	for i, alt := range d.Alternatives {
		if err := alt.Validate(); err != nil {
			return err
		}
		if alt.Action.Equal(d.Action) {
			return &ValidationError{
				Field:  fmt.Sprintf("decision.alternatives[%d]", i),
				Reason: "duplicates the chosen action",
			}
		}
	}
	return nil
}

// Validate checks the envelope fields of an engram. Chain-level invariants
// (hash linkage, sequence contiguity) are the chain package's concern.
func (e *Engram) Validate() error {
	if e.TenantID == "" {
		return &ValidationError{Field: "engram.tenant_id", Reason: "cannot be empty"}
	}
	if e.AgentID == "" {
		return &ValidationError{Field: "engram.agent_id", Reason: "cannot be empty"}
	}
	if e.SessionID == "" {
		return &ValidationError{Field: "engram.session_id", Reason: "cannot be empty"}
	}
	return e.Decision.Validate()
}

// Clone returns a deep copy of the engram. Stores hand out clones so callers
// can never mutate indexed state in place.
func (e *Engram) Clone() *Engram {
	cp := *e
	cp.Decision = cloneDecision(e.Decision)
	return &cp
}

func cloneDecision(d Decision) Decision {
	cp := d
	cp.Action = cloneAction(d.Action)
	if d.Alternatives != nil {
		cp.Alternatives = make([]Alternative, len(d.Alternatives))
		for i, alt := range d.Alternatives {
			cp.Alternatives[i] = alt
			cp.Alternatives[i].Action = cloneAction(alt.Action)
			if alt.Confidence != nil {
				c := *alt.Confidence
				cp.Alternatives[i].Confidence = &c
			}
		}
	}
	return cp
}

func cloneAction(a Action) Action {
	cp := a
	if a.Params != nil {
		cp.Params = maps.Clone(a.Params)
	}
	return cp
}
