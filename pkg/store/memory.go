package store

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/provenant/engram/pkg/chain"
	"github.com/provenant/engram/pkg/record"
)

// MemoryEngramStore is a non-durable EngramStore backed by in-process maps.
// Useful for tests and for embedding the subsystem without disk I/O; it
// honors the same chain-extension and idempotency contract as the durable
// backends.
type MemoryEngramStore struct {
	mu     sync.RWMutex
	byID   map[record.EngramID]*record.Engram
	chains map[partitionKey][]*record.Engram
	closed bool
}

type partitionKey struct {
	tenantID  string
	sessionID string
}

// NewMemoryEngramStore creates an empty in-memory store.
func NewMemoryEngramStore() *MemoryEngramStore {
	return &MemoryEngramStore{
		byID:   make(map[record.EngramID]*record.Engram),
		chains: make(map[partitionKey][]*record.Engram),
	}
}

// Compile-time interface check
var _ EngramStore = (*MemoryEngramStore)(nil)

// Append persists an engram, enforcing chain extension and ID idempotency.
func (s *MemoryEngramStore) Append(ctx context.Context, e *record.Engram) (record.EngramID, error) {
	if err := checkAppend(e); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}

	if existing, ok := s.byID[e.ID]; ok {
		if existing.Hash == e.Hash {
			return existing.ID, nil
		}
		return "", &DuplicateIDError{ID: e.ID}
	}

	key := partitionKey{e.TenantID, e.SessionID}
	part := s.chains[key]
	if len(part) == 0 {
		if e.Sequence != 0 || e.PrevHash != chain.Genesis(e.TenantID, e.AgentID, e.SessionID) {
			return "", ErrChainMismatch
		}
	} else {
		head := part[len(part)-1]
		if e.Sequence != head.Sequence+1 || e.PrevHash != head.Hash {
			return "", ErrChainMismatch
		}
	}

	cp := e.Clone()
	s.byID[cp.ID] = cp
	s.chains[key] = append(part, cp)
	return cp.ID, nil
}

// Get retrieves an engram by ID.
func (s *MemoryEngramStore) Get(ctx context.Context, id record.EngramID) (*record.Engram, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// Query returns a lazy sequence of matching engrams. Partitions are visited
// in deterministic (tenant, session) order; within a partition engrams are
// yielded in sequence order (reversed when OrderDesc is set).
func (s *MemoryEngramStore) Query(ctx context.Context, q Query) iter.Seq2[*record.Engram, error] {
	return func(yield func(*record.Engram, error) bool) {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield(nil, ErrClosed)
			return
		}
		keys := make([]partitionKey, 0, len(s.chains))
		for key := range s.chains {
			if q.TenantID != "" && key.tenantID != q.TenantID {
				continue
			}
			if q.SessionID != "" && key.sessionID != q.SessionID {
				continue
			}
			keys = append(keys, key)
		}
		sortPartitionKeys(keys, q.OrderDesc)
		// Snapshot matching chains so iteration never races appends.
		parts := make([][]*record.Engram, len(keys))
		for i, key := range keys {
			parts[i] = slices.Clone(s.chains[key])
		}
		s.mu.RUnlock()

		yielded := 0
		for _, part := range parts {
			if q.OrderDesc {
				slices.Reverse(part)
			}
			for _, e := range part {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if !q.Matches(e) {
					continue
				}
				if !yield(e.Clone(), nil) {
					return
				}
				yielded++
				if q.Limit > 0 && yielded >= q.Limit {
					return
				}
			}
		}
	}
}

func sortPartitionKeys(keys []partitionKey, desc bool) {
	slices.SortFunc(keys, func(a, b partitionKey) int {
		if a.tenantID != b.tenantID {
			if a.tenantID < b.tenantID {
				return -1
			}
			return 1
		}
		switch {
		case a.sessionID < b.sessionID:
			return -1
		case a.sessionID > b.sessionID:
			return 1
		default:
			return 0
		}
	})
	if desc {
		slices.Reverse(keys)
	}
}

// Verify loads one session chain and delegates to the chain engine.
func (s *MemoryEngramStore) Verify(ctx context.Context, tenantID, sessionID string) (chain.VerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return chain.VerificationResult{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return chain.VerificationResult{}, ErrClosed
	}
	part, ok := s.chains[partitionKey{tenantID, sessionID}]
	if !ok || len(part) == 0 {
		return chain.VerificationResult{}, ErrNotFound
	}
	return chain.VerifyChain(part), nil
}

// Close marks the store closed. Stored engrams are discarded with it.
func (s *MemoryEngramStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
