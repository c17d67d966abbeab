package chain

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/provenant/engram/pkg/record"
)

// TestCanonicalBytesGolden pins the canonical serialization. Any change to
// this encoding invalidates every previously computed hash and id, so the
// golden file must never be regenerated casually.
func TestCanonicalBytesGolden(t *testing.T) {
	conf := 0.4
	e := &record.Engram{
		ID:        "test-id",
		TenantID:  "t1",
		AgentID:   "scanner-1",
		SessionID: "S1",
		Sequence:  0,
		Decision: record.Decision{
			Action:     record.Action{Type: "quarantine", Params: map[string]string{"host": "h1"}},
			Rationale:  "matched IOC X",
			Confidence: 0.92,
			Alternatives: []record.Alternative{
				{
					Action:     record.Action{Type: "alert", Params: map[string]string{"host": "h1"}},
					Rationale:  "lower severity",
					Confidence: &conf,
				},
			},
			Tier:      "auto",
			Timestamp: time.Unix(1700000000, 0).UTC(),
		},
		PrevHash:   "genesis",
		RecordedAt: time.Unix(1700000001, 500).UTC(),
	}

	g := goldie.New(t)
	g.Assert(t, "canonical_engram", CanonicalBytes(e))
}
