package engram

import (
	"context"
	"iter"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/provenant/engram/pkg/chain"
	"github.com/provenant/engram/pkg/metrics"
	"github.com/provenant/engram/pkg/record"
	"github.com/provenant/engram/pkg/store"
	"github.com/provenant/engram/pkg/trace"
)

// instrumentedStore decorates an EngramStore with metrics collection and
// sanitized trace export. The inner store's semantics are untouched; every
// error passes through unchanged.
type instrumentedStore struct {
	inner     store.EngramStore
	collector metrics.Collector // may be nil
	exporter  trace.Exporter    // may be nil
	backend   string
	appended  atomic.Int64
}

var _ store.EngramStore = (*instrumentedStore)(nil)

func newInstrumentedStore(inner store.EngramStore, collector metrics.Collector, exporter trace.Exporter, backend string) *instrumentedStore {
	return &instrumentedStore{
		inner:     inner,
		collector: collector,
		exporter:  exporter,
		backend:   backend,
	}
}

// finishOp publishes one completed operation to the collector and exporter.
func (s *instrumentedStore) finishOp(ctx context.Context, op string, start time.Time, status string, err error, opTrace *OperationTrace, ids map[string]interface{}) {
	durationMs := time.Since(start).Milliseconds()

	if s.collector != nil {
		s.collector.RecordOperation(ctx, op, status, durationMs)
		if err != nil {
			s.collector.RecordError(ctx, op, ClassifyError(err))
		}
		for _, span := range opTrace.Spans {
			s.collector.RecordStage(ctx, op, span.Name, span.DurationMs)
		}
	}

	if s.exporter != nil {
		rec := &trace.TraceRecord{
			Timestamp:   start,
			OperationID: uuid.NewString(),
			Operation:   op,
			DurationMs:  durationMs,
			Status:      status,
			IDs:         ids,
		}
		if err != nil {
			rec.ErrorType = ClassifyError(err)
		}
		for _, span := range opTrace.Spans {
			sr := trace.SpanRecord{
				Name:       span.Name,
				DurationMs: span.DurationMs,
				OK:         span.OK,
				Counters:   span.Counters,
			}
			if !span.OK && err != nil {
				sr.ErrorType = ClassifyError(err)
			}
			rec.Spans = append(rec.Spans, sr)
		}
		// Trace export is best-effort; it never fails the operation.
		_ = s.exporter.Export(ctx, rec)
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (s *instrumentedStore) Append(ctx context.Context, e *record.Engram) (record.EngramID, error) {
	start := time.Now()
	opTrace := newTrace()
	timer := newSpanTimer("append", opTrace, true)

	id, err := s.inner.Append(ctx, e)

	timer.finish(err == nil, err, nil)
	ids := map[string]interface{}{
		"tenant_id":  e.TenantID,
		"session_id": e.SessionID,
		"seq":        e.Sequence,
	}
	s.finishOp(ctx, "append", start, statusOf(err), err, opTrace, ids)

	if err == nil && s.collector != nil {
		s.collector.SetEngramCount(ctx, s.backend, s.appended.Add(1))
	}
	return id, err
}

func (s *instrumentedStore) Get(ctx context.Context, id record.EngramID) (*record.Engram, error) {
	start := time.Now()
	opTrace := newTrace()
	timer := newSpanTimer("load", opTrace, true)

	e, err := s.inner.Get(ctx, id)

	timer.finish(err == nil, err, nil)
	s.finishOp(ctx, "get", start, statusOf(err), err, opTrace, map[string]interface{}{"engram_id": string(id)})
	return e, err
}

// Query instruments each consumption of the lazy sequence: re-ranging the
// iterator is a fresh scan and is recorded as one.
func (s *instrumentedStore) Query(ctx context.Context, q store.Query) iter.Seq2[*record.Engram, error] {
	return func(yield func(*record.Engram, error) bool) {
		start := time.Now()
		opTrace := newTrace()
		timer := newSpanTimer("scan", opTrace, true)

		var (
			returned int64
			scanErr  error
		)
		for e, err := range s.inner.Query(ctx, q) {
			if err != nil {
				scanErr = err
				yield(nil, err)
				break
			}
			returned++
			if !yield(e, nil) {
				break
			}
		}

		timer.finish(scanErr == nil, scanErr, map[string]int64{"resultsReturned": returned})
		s.finishOp(ctx, "query", start, statusOf(scanErr), scanErr, opTrace, nil)
	}
}

func (s *instrumentedStore) Verify(ctx context.Context, tenantID, sessionID string) (chain.VerificationResult, error) {
	start := time.Now()
	opTrace := newTrace()
	timer := newSpanTimer("verify-chain", opTrace, true)

	res, err := s.inner.Verify(ctx, tenantID, sessionID)

	timer.finish(err == nil, err, map[string]int64{"chainLength": int64(res.Length)})
	status := statusOf(err)
	if err == nil && !res.Valid {
		status = "tampered"
	}
	ids := map[string]interface{}{
		"tenant_id":  tenantID,
		"session_id": sessionID,
	}
	s.finishOp(ctx, "verify", start, status, err, opTrace, ids)
	return res, err
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}
