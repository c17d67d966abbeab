package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/provenant/engram/pkg/chain"
	"github.com/provenant/engram/pkg/record"
	"github.com/provenant/engram/pkg/store"
)

func testDecision(rationale string) record.Decision {
	return record.Decision{
		Action:     record.Action{Type: "quarantine", Params: map[string]string{"host": "h1"}},
		Rationale:  rationale,
		Confidence: 0.92,
		Tier:       "auto",
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSessionRecordsChain(t *testing.T) {
	st := store.NewMemoryEngramStore()
	defer st.Close()
	ctx := context.Background()

	sess, err := New(st, "t1", "scanner-1", "S1")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if sess.State() != StateOpen {
		t.Errorf("initial state = %s, want open", sess.State())
	}
	if sess.HeadHash() != chain.Genesis("t1", "scanner-1", "S1") {
		t.Error("initial head is not the genesis commitment")
	}

	id0, err := sess.Record(ctx, testDecision("matched IOC X"))
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if sess.State() != StateRecording {
		t.Errorf("state after first record = %s, want recording", sess.State())
	}
	if sess.NextSequence() != 1 {
		t.Errorf("NextSequence = %d, want 1", sess.NextSequence())
	}

	id1, err := sess.Record(ctx, testDecision("second indicator"))
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if id1 == id0 {
		t.Error("distinct decisions produced the same engram id")
	}

	e0, err := st.Get(ctx, id0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	e1, err := st.Get(ctx, id1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if e1.PrevHash != e0.Hash {
		t.Error("second engram does not link to the first")
	}
	if sess.HeadHash() != e1.Hash {
		t.Error("session head does not track the latest commit")
	}

	res, err := st.Verify(ctx, "t1", "S1")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Valid || res.Length != 2 {
		t.Errorf("Verify = %+v, want valid chain of 2", res)
	}
}

func TestSessionValidatesDecision(t *testing.T) {
	st := store.NewMemoryEngramStore()
	defer st.Close()

	sess, err := New(st, "t1", "scanner-1", "S1")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	bad := testDecision("over-confident")
	bad.Confidence = 1.5
	_, err = sess.Record(context.Background(), bad)
	var verr *record.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Record = %v, want *ValidationError", err)
	}

	// A rejected decision consumes no sequence slot.
	if sess.NextSequence() != 0 {
		t.Errorf("NextSequence = %d, want 0", sess.NextSequence())
	}
	if sess.State() != StateOpen {
		t.Errorf("state = %s, want open", sess.State())
	}
}

func TestSessionNewValidation(t *testing.T) {
	st := store.NewMemoryEngramStore()
	defer st.Close()

	if _, err := New(nil, "t1", "a1", "s1"); err == nil {
		t.Error("nil store accepted")
	}
	if _, err := New(st, "", "a1", "s1"); err == nil {
		t.Error("empty tenant accepted")
	}
	if _, err := New(st, "t1", "", "s1"); err == nil {
		t.Error("empty agent accepted")
	}
	if _, err := New(st, "t1", "a1", ""); err == nil {
		t.Error("empty session id accepted")
	}
}

func TestSessionClose(t *testing.T) {
	st := store.NewMemoryEngramStore()
	defer st.Close()
	ctx := context.Background()

	sess, err := New(st, "t1", "scanner-1", "S1")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := sess.Record(ctx, testDecision("matched IOC X")); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	sess.Close()
	if sess.State() != StateClosed {
		t.Errorf("state = %s, want closed", sess.State())
	}

	if _, err := sess.Record(ctx, testDecision("too late")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Record after close = %v, want ErrSessionClosed", err)
	}

	// Engrams recorded before the close remain durable and verifiable.
	res, err := st.Verify(ctx, "t1", "S1")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Valid || res.Length != 1 {
		t.Errorf("Verify = %+v, want valid chain of 1", res)
	}
}

// flakyStore fails a configurable number of Append calls before letting them
// through to the wrapped store.
type flakyStore struct {
	store.EngramStore
	failures int
	appends  int
}

func (f *flakyStore) Append(ctx context.Context, e *record.Engram) (record.EngramID, error) {
	f.appends++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("disk unavailable")
	}
	return f.EngramStore.Append(ctx, e)
}

func TestSessionRetryAfterAppendFailure(t *testing.T) {
	inner := store.NewMemoryEngramStore()
	defer inner.Close()
	flaky := &flakyStore{EngramStore: inner, failures: 2}
	ctx := context.Background()

	// A deterministic clock that would change the persistence timestamp on
	// every rebuild; the retry must reuse the stashed engram instead.
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Minute)
		return now
	}

	sess, err := New(flaky, "t1", "scanner-1", "S1", WithClock(clock))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	d := testDecision("matched IOC X")
	for i := 0; i < 2; i++ {
		_, err := sess.Record(ctx, d)
		if !errors.Is(err, ErrAppendFailed) {
			t.Fatalf("Record attempt %d = %v, want ErrAppendFailed", i, err)
		}
		if sess.NextSequence() != 0 {
			t.Fatalf("failed append advanced the sequence to %d", sess.NextSequence())
		}
	}

	id, err := sess.Record(ctx, d)
	if err != nil {
		t.Fatalf("retried Record failed: %v", err)
	}

	got, err := inner.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	// Built once, retried byte-for-byte: the timestamp is from the first
	// attempt, not the clock at retry time.
	want := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)
	if !got.RecordedAt.Equal(want) {
		t.Errorf("RecordedAt = %v, want %v (the first attempt's timestamp)", got.RecordedAt, want)
	}
	if flaky.appends != 3 {
		t.Errorf("store saw %d appends, want 3", flaky.appends)
	}
}

func TestSessionRetryAfterSilentSuccess(t *testing.T) {
	// The store persists the engram but the acknowledgement is lost. The
	// retry must resolve to the same engram id via the store's idempotency
	// rather than forking the chain.
	inner := store.NewMemoryEngramStore()
	defer inner.Close()
	ctx := context.Background()

	lossy := &ackLossStore{EngramStore: inner, dropAcks: 1}
	sess, err := New(lossy, "t1", "scanner-1", "S1")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	d := testDecision("matched IOC X")
	if _, err := sess.Record(ctx, d); !errors.Is(err, ErrAppendFailed) {
		t.Fatalf("Record = %v, want ErrAppendFailed", err)
	}

	id, err := sess.Record(ctx, d)
	if err != nil {
		t.Fatalf("retried Record failed: %v", err)
	}

	res, err := inner.Verify(ctx, "t1", "S1")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Valid || res.Length != 1 {
		t.Errorf("Verify = %+v, want valid chain of 1", res)
	}
	if _, err := inner.Get(ctx, id); err != nil {
		t.Errorf("recorded engram not retrievable: %v", err)
	}
}

// ackLossStore persists appends but reports failure for the first dropAcks
// calls, simulating a lost acknowledgement.
type ackLossStore struct {
	store.EngramStore
	dropAcks int
}

func (a *ackLossStore) Append(ctx context.Context, e *record.Engram) (record.EngramID, error) {
	id, err := a.EngramStore.Append(ctx, e)
	if err != nil {
		return "", err
	}
	if a.dropAcks > 0 {
		a.dropAcks--
		return "", errors.New("connection reset before acknowledgement")
	}
	return id, nil
}

func TestSessionDuplicateConflictSurfaces(t *testing.T) {
	inner := store.NewMemoryEngramStore()
	defer inner.Close()
	ctx := context.Background()

	// Seed the store with a conflicting occupant of slot 0: same decision,
	// different persistence timestamp, so the derived id collides but the
	// content hash differs.
	d := testDecision("matched IOC X")
	occupant := &record.Engram{
		ID:         chain.DeriveID("t1", "scanner-1", "S1", 0, d),
		TenantID:   "t1",
		AgentID:    "scanner-1",
		SessionID:  "S1",
		Sequence:   0,
		Decision:   d,
		PrevHash:   chain.Genesis("t1", "scanner-1", "S1"),
		RecordedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	occupant.Hash = chain.ComputeHash(occupant)
	if _, err := inner.Append(ctx, occupant); err != nil {
		t.Fatalf("seed append failed: %v", err)
	}

	sess, err := New(inner, "t1", "scanner-1", "S1",
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = sess.Record(ctx, d)
	var dup *store.DuplicateIDError
	if !errors.As(err, &dup) {
		t.Fatalf("Record = %v, want *DuplicateIDError", err)
	}
	if errors.Is(err, ErrAppendFailed) {
		t.Error("id conflict reported as a retryable append failure")
	}
}
