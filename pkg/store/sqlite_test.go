package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/provenant/engram/pkg/chain"
	"github.com/provenant/engram/pkg/record"
)

func setupSQLiteStore(t *testing.T) *SQLiteEngramStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engrams.db")
	s, err := NewSQLiteEngramStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteEngramStore failed: %v", err)
	}
	return s
}

func TestSQLiteStoreAppendAndGet(t *testing.T) {
	s := setupSQLiteStore(t)
	defer s.Close()
	ctx := context.Background()

	engrams := buildSession("t1", "scanner-1", "S1", 3)
	appendAll(t, s, engrams)

	got, err := s.Get(ctx, engrams[1].ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", got.Sequence)
	}
	if got.Hash != engrams[1].Hash {
		t.Errorf("Hash = %s, want %s", got.Hash, engrams[1].Hash)
	}
	if !got.RecordedAt.Equal(engrams[1].RecordedAt) {
		t.Errorf("RecordedAt = %v, want %v", got.RecordedAt, engrams[1].RecordedAt)
	}
	if got.Decision.Action.Params["host"] != "h1" {
		t.Errorf("Params = %v, want host=h1", got.Decision.Action.Params)
	}

	// The round-tripped record must re-verify, so the stored form preserves
	// every hashed byte.
	if chain.ComputeHash(got) != got.Hash {
		t.Error("stored engram does not re-verify")
	}

	if _, err := s.Get(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get miss = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStorePersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engrams.db")
	ctx := context.Background()

	s, err := NewSQLiteEngramStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteEngramStore failed: %v", err)
	}
	engrams := buildSession("t1", "scanner-1", "S1", 2)
	appendAll(t, s, engrams)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteEngramStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	res, err := reopened.Verify(ctx, "t1", "S1")
	if err != nil {
		t.Fatalf("Verify after reopen failed: %v", err)
	}
	if !res.Valid || res.Length != 2 {
		t.Errorf("Verify = %+v, want valid chain of 2", res)
	}
}

func TestSQLiteStoreIdempotentRetry(t *testing.T) {
	s := setupSQLiteStore(t)
	defer s.Close()
	ctx := context.Background()

	e := buildSession("t1", "scanner-1", "S1", 1)[0]
	appendAll(t, s, []*record.Engram{e})

	id, err := s.Append(ctx, e)
	if err != nil {
		t.Fatalf("retried Append failed: %v", err)
	}
	if id != e.ID {
		t.Errorf("retried Append returned %s, want %s", id, e.ID)
	}

	conflicting := e.Clone()
	conflicting.RecordedAt = conflicting.RecordedAt.Add(time.Minute)
	conflicting.Hash = chain.ComputeHash(conflicting)
	var dup *DuplicateIDError
	if _, err := s.Append(ctx, conflicting); !errors.As(err, &dup) {
		t.Fatalf("conflicting append = %v, want *DuplicateIDError", err)
	}

	results := collect(t, s.Query(ctx, Query{TenantID: "t1"}))
	if len(results) != 1 {
		t.Errorf("store holds %d engrams, want 1", len(results))
	}
}

func TestSQLiteStoreChainMismatch(t *testing.T) {
	s := setupSQLiteStore(t)
	defer s.Close()
	ctx := context.Background()

	engrams := buildSession("t1", "scanner-1", "S1", 3)

	if _, err := s.Append(ctx, engrams[1]); !errors.Is(err, ErrChainMismatch) {
		t.Errorf("non-genesis first append = %v, want ErrChainMismatch", err)
	}

	appendAll(t, s, engrams[:2])

	if _, err := s.Append(ctx, engrams[0]); err != nil {
		t.Errorf("retried append of sequence 0 = %v, want idempotent success", err)
	}

	wrongPrev := engrams[2].Clone()
	wrongPrev.PrevHash = "deadbeef"
	wrongPrev.Hash = chain.ComputeHash(wrongPrev)
	if _, err := s.Append(ctx, wrongPrev); !errors.Is(err, ErrChainMismatch) {
		t.Errorf("wrong prev-hash append = %v, want ErrChainMismatch", err)
	}

	appendAll(t, s, engrams[2:])
}

func TestSQLiteStoreQuery(t *testing.T) {
	s := setupSQLiteStore(t)
	defer s.Close()
	ctx := context.Background()

	s1 := buildSession("t1", "scanner-1", "S1", 4)
	s2 := buildSession("t1", "scanner-2", "S2", 2)
	appendAll(t, s, s1)
	appendAll(t, s, s2)

	bySession := collect(t, s.Query(ctx, Query{TenantID: "t1", SessionID: "S1"}))
	if got := sequencesOf(bySession); len(got) != 4 || got[0] != 0 || got[3] != 3 {
		t.Errorf("session query sequences = %v, want [0 1 2 3]", got)
	}

	byAgent := collect(t, s.Query(ctx, Query{AgentID: "scanner-2"}))
	if len(byAgent) != 2 {
		t.Errorf("agent query returned %d engrams, want 2", len(byAgent))
	}

	byAction := collect(t, s.Query(ctx, Query{SessionID: "S1", ActionType: "alert"}))
	if got := sequencesOf(byAction); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("action query sequences = %v, want [1 3]", got)
	}

	window := collect(t, s.Query(ctx, Query{
		SessionID: "S1",
		Since:     s1[1].RecordedAt,
		Until:     s1[3].RecordedAt,
	}))
	if got := sequencesOf(window); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("time window sequences = %v, want [1 2]", got)
	}

	desc := collect(t, s.Query(ctx, Query{SessionID: "S1", OrderDesc: true, Limit: 2}))
	if got := sequencesOf(desc); len(got) != 2 || got[0] != 3 || got[1] != 2 {
		t.Errorf("descending limited sequences = %v, want [3 2]", got)
	}
}

func TestSQLiteStoreVerifyDetectsTamper(t *testing.T) {
	s := setupSQLiteStore(t)
	defer s.Close()
	ctx := context.Background()

	engrams := buildSession("t1", "scanner-1", "S1", 3)
	appendAll(t, s, engrams)

	res, err := s.Verify(ctx, "t1", "S1")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Valid {
		t.Fatalf("Verify of untouched chain = %+v, want valid", res)
	}

	// Rewrite one decision directly in the database, bypassing Append.
	_, err = s.db.ExecContext(ctx,
		"UPDATE engrams SET decision = replace(decision, 'matched IOC 1', 'matched IOC 9') WHERE id = ?",
		string(engrams[1].ID))
	if err != nil {
		t.Fatalf("tampering update failed: %v", err)
	}

	res, err = s.Verify(ctx, "t1", "S1")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.Valid {
		t.Fatal("Verify reported a tampered chain as valid")
	}
	if res.AtSequence != 1 {
		t.Errorf("tamper detected at sequence %d, want 1", res.AtSequence)
	}
	if res.Reason != chain.ReasonHashMismatch {
		t.Errorf("Reason = %s, want %s", res.Reason, chain.ReasonHashMismatch)
	}

	if _, err := s.Verify(ctx, "t1", "no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Verify of unknown session = %v, want ErrNotFound", err)
	}
}
