// Package chain implements the per-session integrity chain: canonical
// serialization, content hashing, deterministic engram IDs, and offline
// chain verification. Everything here is a pure function of its inputs so
// verification can run against an exported chain with no store access.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/provenant/engram/pkg/record"
)

// canonicalAlternative mirrors record.Alternative with a fixed field order
// and an explicit encoding of the absent confidence (omitted entirely).
type canonicalAlternative struct {
	Action     record.Action `json:"action"`
	Rationale  string        `json:"rationale"`
	Confidence *float64      `json:"confidence,omitempty"`
}

// canonicalDecision encodes the agent timestamp as UTC nanoseconds so the
// byte form is independent of the producer's time zone representation.
type canonicalDecision struct {
	Action       record.Action          `json:"action"`
	Rationale    string                 `json:"rationale"`
	Confidence   float64                `json:"confidence"`
	Alternatives []canonicalAlternative `json:"alternatives,omitempty"`
	Tier         string                 `json:"tier"`
	TimestampNs  int64                  `json:"timestamp_ns"`
}

// canonicalEngram is the hashed form of an engram: every field except the
// hash itself, in a fixed order. Map-valued action params are sorted by key
// by encoding/json, so two independent stores given the same logical engram
// produce identical bytes.
type canonicalEngram struct {
	ID           record.EngramID   `json:"id"`
	TenantID     string            `json:"tenant_id"`
	AgentID      string            `json:"agent_id"`
	SessionID    string            `json:"session_id"`
	Sequence     uint64            `json:"seq"`
	Decision     canonicalDecision `json:"decision"`
	PrevHash     string            `json:"prev_hash"`
	RecordedAtNs int64             `json:"recorded_at_ns"`
}

func canonicalizeDecision(d record.Decision) canonicalDecision {
	cd := canonicalDecision{
		Action:      d.Action,
		Rationale:   d.Rationale,
		Confidence:  d.Confidence,
		Tier:        d.Tier,
		TimestampNs: d.Timestamp.UTC().UnixNano(),
	}
	if len(d.Alternatives) > 0 {
		cd.Alternatives = make([]canonicalAlternative, len(d.Alternatives))
		for i, alt := range d.Alternatives {
			cd.Alternatives[i] = canonicalAlternative{
				Action:     alt.Action,
				Rationale:  alt.Rationale,
				Confidence: alt.Confidence,
			}
		}
	}
	return cd
}

// CanonicalBytes returns the canonical serialization of an engram excluding
// its own hash field. Exposed for cross-store audit comparison and golden
// tests; ComputeHash is a digest over exactly these bytes.
func CanonicalBytes(e *record.Engram) []byte {
	ce := canonicalEngram{
		ID:           e.ID,
		TenantID:     e.TenantID,
		AgentID:      e.AgentID,
		SessionID:    e.SessionID,
		Sequence:     e.Sequence,
		Decision:     canonicalizeDecision(e.Decision),
		PrevHash:     e.PrevHash,
		RecordedAtNs: e.RecordedAt.UTC().UnixNano(),
	}
	// Struct-only input with string-keyed maps cannot fail to marshal.
	b, err := json.Marshal(ce)
	if err != nil {
		panic(fmt.Sprintf("canonicalize engram: %v", err))
	}
	return b
}

// ComputeHash returns the hex SHA-256 content hash of an engram, computed
// over its canonical serialization (every field except Hash).
func ComputeHash(e *record.Engram) string {
	sum := sha256.Sum256(CanonicalBytes(e))
	return hex.EncodeToString(sum[:])
}

// DeriveID computes the deterministic engram ID for one slot in a session's
// chain. The digest covers identity, sequence, and the decision payload but
// not the server-assigned persistence timestamp, so a retried append of the
// same logical decision lands on the same ID.
func DeriveID(tenantID, agentID, sessionID string, seq uint64, d record.Decision) record.EngramID {
	payload := struct {
		TenantID  string            `json:"tenant_id"`
		AgentID   string            `json:"agent_id"`
		SessionID string            `json:"session_id"`
		Sequence  uint64            `json:"seq"`
		Decision  canonicalDecision `json:"decision"`
	}{tenantID, agentID, sessionID, seq, canonicalizeDecision(d)}

	b, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("canonicalize engram id payload: %v", err))
	}
	sum := sha256.Sum256(b)
	return record.EngramID(hex.EncodeToString(sum[:]))
}

// Genesis returns the well-known session-opening commitment that the first
// engram of a session links to in place of a predecessor hash.
func Genesis(tenantID, agentID, sessionID string) string {
	h := sha256.New()
	h.Write([]byte("engram-genesis\x00"))
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(sessionID))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyLink reports whether candidate is the legitimate successor of prev:
// its recorded previous-hash must equal prev's recomputed content hash and
// its sequence must follow immediately.
func VerifyLink(prev, candidate *record.Engram) bool {
	return candidate.PrevHash == ComputeHash(prev) &&
		candidate.Sequence == prev.Sequence+1
}

// FailureReason classifies the first integrity failure found in a chain.
type FailureReason string

const (
	ReasonBadGenesis        FailureReason = "bad_genesis"
	ReasonSequenceGap       FailureReason = "sequence_gap"
	ReasonDuplicateSequence FailureReason = "duplicate_sequence"
	ReasonHashMismatch      FailureReason = "hash_mismatch"
	ReasonBrokenLink        FailureReason = "broken_link"
	ReasonIDMismatch        FailureReason = "id_mismatch"
	ReasonScopeMismatch     FailureReason = "scope_mismatch"
)

// VerificationResult is the outcome of verifying one session chain. When
// Valid is false, AtSequence and Reason identify the first point of failure.
type VerificationResult struct {
	Valid      bool          `json:"valid"`
	Length     int           `json:"length"`
	AtSequence uint64        `json:"at_sequence,omitempty"`
	Reason     FailureReason `json:"reason,omitempty"`
}

func tampered(seq uint64, reason FailureReason, length int) VerificationResult {
	return VerificationResult{Valid: false, Length: length, AtSequence: seq, Reason: reason}
}

// VerifyChain walks a session's engrams, assumed sorted by sequence, and
// checks the genesis commitment, sequence contiguity, per-engram hash and ID
// recomputation, and every adjacent link. It stops at the first failure.
// An empty chain is trivially valid.
func VerifyChain(engrams []*record.Engram) VerificationResult {
	n := len(engrams)
	if n == 0 {
		return VerificationResult{Valid: true}
	}

	first := engrams[0]
	if first.Sequence != 0 {
		return tampered(first.Sequence, ReasonSequenceGap, n)
	}
	if first.PrevHash != Genesis(first.TenantID, first.AgentID, first.SessionID) {
		return tampered(0, ReasonBadGenesis, n)
	}

	prevHash := ""
	for i, e := range engrams {
		if e.TenantID != first.TenantID || e.AgentID != first.AgentID || e.SessionID != first.SessionID {
			return tampered(e.Sequence, ReasonScopeMismatch, n)
		}
		if i > 0 {
			switch {
			case e.Sequence == engrams[i-1].Sequence:
				return tampered(e.Sequence, ReasonDuplicateSequence, n)
			case e.Sequence != engrams[i-1].Sequence+1:
				return tampered(e.Sequence, ReasonSequenceGap, n)
			}
		}
		computed := ComputeHash(e)
		if e.Hash != computed {
			return tampered(e.Sequence, ReasonHashMismatch, n)
		}
		if e.ID != DeriveID(e.TenantID, e.AgentID, e.SessionID, e.Sequence, e.Decision) {
			return tampered(e.Sequence, ReasonIDMismatch, n)
		}
		if i > 0 && e.PrevHash != prevHash {
			return tampered(e.Sequence, ReasonBrokenLink, n)
		}
		prevHash = computed
	}

	return VerificationResult{Valid: true, Length: n}
}
