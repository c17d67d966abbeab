package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/provenant/engram/pkg/chain"
	"github.com/provenant/engram/pkg/record"
)

// SQLiteEngramStore implements EngramStore using SQLite as the backend.
// Partition serialization relies on SQLite's own write locking plus the
// UNIQUE(tenant_id, session_id, seq) constraint, so it also holds across
// multiple store instances sharing one database file.
type SQLiteEngramStore struct {
	db *sql.DB
}

// NewSQLiteEngramStore creates a new SQLite-backed engram store.
// The dbPath can be a file path or ":memory:" for an in-memory database.
// Creates tables and indexes if they don't exist.
func NewSQLiteEngramStore(dbPath string) (*SQLiteEngramStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteEngramStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteEngramStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS engrams (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		action_type TEXT NOT NULL,
		decision TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		recorded_at_ns INTEGER NOT NULL,
		UNIQUE (tenant_id, session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_engrams_session ON engrams(tenant_id, session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_engrams_agent ON engrams(tenant_id, agent_id);
	CREATE INDEX IF NOT EXISTS idx_engrams_action ON engrams(action_type);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Compile-time interface check
var _ EngramStore = (*SQLiteEngramStore)(nil)

const engramColumns = "id, tenant_id, agent_id, session_id, seq, action_type, decision, prev_hash, hash, recorded_at_ns"

func scanEngram(scan func(dest ...any) error) (*record.Engram, error) {
	var (
		e            record.Engram
		actionType   string
		decisionJSON []byte
		recordedAtNs int64
	)
	err := scan(
		&e.ID,
		&e.TenantID,
		&e.AgentID,
		&e.SessionID,
		&e.Sequence,
		&actionType,
		&decisionJSON,
		&e.PrevHash,
		&e.Hash,
		&recordedAtNs,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(decisionJSON, &e.Decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	e.RecordedAt = time.Unix(0, recordedAtNs).UTC()
	return &e, nil
}

// Append persists an engram inside a single transaction: the ID idempotency
// check, the chain-extension check, and the insert are atomic.
func (s *SQLiteEngramStore) Append(ctx context.Context, e *record.Engram) (record.EngramID, error) {
	if err := checkAppend(e); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback()

	var existingHash string
	err = tx.QueryRowContext(ctx, "SELECT hash FROM engrams WHERE id = ?", string(e.ID)).Scan(&existingHash)
	switch {
	case err == nil:
		if existingHash == e.Hash {
			return e.ID, nil // retried append of an already durable record
		}
		return "", &DuplicateIDError{ID: e.ID}
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("failed to check existing engram: %w", err)
	}

	var (
		headSeq  uint64
		headHash string
	)
	err = tx.QueryRowContext(ctx,
		"SELECT seq, hash FROM engrams WHERE tenant_id = ? AND session_id = ? ORDER BY seq DESC LIMIT 1",
		e.TenantID, e.SessionID).Scan(&headSeq, &headHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if e.Sequence != 0 || e.PrevHash != chain.Genesis(e.TenantID, e.AgentID, e.SessionID) {
			return "", ErrChainMismatch
		}
	case err != nil:
		return "", fmt.Errorf("failed to load session head: %w", err)
	default:
		if e.Sequence != headSeq+1 || e.PrevHash != headHash {
			return "", ErrChainMismatch
		}
	}

	decisionJSON, err := json.Marshal(e.Decision)
	if err != nil {
		return "", fmt.Errorf("failed to marshal decision: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO engrams (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", engramColumns),
		string(e.ID),
		e.TenantID,
		e.AgentID,
		e.SessionID,
		e.Sequence,
		e.Decision.Action.Type,
		decisionJSON,
		e.PrevHash,
		e.Hash,
		e.RecordedAt.UTC().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert engram: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit append: %w", err)
	}
	return e.ID, nil
}

// Get retrieves one engram by ID.
func (s *SQLiteEngramStore) Get(ctx context.Context, id record.EngramID) (*record.Engram, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM engrams WHERE id = ?", engramColumns), string(id))

	e, err := scanEngram(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get engram: %w", err)
	}
	return e, nil
}

// Query streams matching rows lazily. Filters and ordering are pushed down
// to SQL; ordering matches the file backend (partition order, then
// sequence).
func (s *SQLiteEngramStore) Query(ctx context.Context, q Query) iter.Seq2[*record.Engram, error] {
	return func(yield func(*record.Engram, error) bool) {
		var (
			conds []string
			args  []any
		)
		if q.TenantID != "" {
			conds = append(conds, "tenant_id = ?")
			args = append(args, q.TenantID)
		}
		if q.AgentID != "" {
			conds = append(conds, "agent_id = ?")
			args = append(args, q.AgentID)
		}
		if q.SessionID != "" {
			conds = append(conds, "session_id = ?")
			args = append(args, q.SessionID)
		}
		if q.ActionType != "" {
			conds = append(conds, "action_type = ?")
			args = append(args, q.ActionType)
		}
		if !q.Since.IsZero() {
			conds = append(conds, "recorded_at_ns >= ?")
			args = append(args, q.Since.UTC().UnixNano())
		}
		if !q.Until.IsZero() {
			conds = append(conds, "recorded_at_ns < ?")
			args = append(args, q.Until.UTC().UnixNano())
		}

		query := fmt.Sprintf("SELECT %s FROM engrams", engramColumns)
		if len(conds) > 0 {
			query += " WHERE " + strings.Join(conds, " AND ")
		}
		if q.OrderDesc {
			query += " ORDER BY tenant_id DESC, session_id DESC, seq DESC"
		} else {
			query += " ORDER BY tenant_id, session_id, seq"
		}
		if q.Limit > 0 {
			query += " LIMIT ?"
			args = append(args, q.Limit)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to query engrams: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEngram(rows.Scan)
			if err != nil {
				yield(nil, fmt.Errorf("failed to scan engram: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("error iterating engrams: %w", err))
		}
	}
}

// Verify loads the full chain for one session in sequence order and
// delegates to the chain engine.
func (s *SQLiteEngramStore) Verify(ctx context.Context, tenantID, sessionID string) (chain.VerificationResult, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM engrams WHERE tenant_id = ? AND session_id = ? ORDER BY seq", engramColumns),
		tenantID, sessionID)
	if err != nil {
		return chain.VerificationResult{}, fmt.Errorf("failed to load session chain: %w", err)
	}
	defer rows.Close()

	var engrams []*record.Engram
	for rows.Next() {
		e, err := scanEngram(rows.Scan)
		if err != nil {
			return chain.VerificationResult{}, fmt.Errorf("failed to scan engram: %w", err)
		}
		engrams = append(engrams, e)
	}
	if err := rows.Err(); err != nil {
		return chain.VerificationResult{}, fmt.Errorf("error iterating chain: %w", err)
	}
	if len(engrams) == 0 {
		return chain.VerificationResult{}, ErrNotFound
	}
	return chain.VerifyChain(engrams), nil
}

// Close releases database resources.
func (s *SQLiteEngramStore) Close() error {
	return s.db.Close()
}
