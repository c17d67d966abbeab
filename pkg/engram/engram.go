// Package engram provides a tamper-evident reasoning capture system for
// autonomous agents: every decision an agent makes is recorded as an
// immutable, hash-linked engram that survives crashes and makes post-hoc
// tampering or deletion detectable.
package engram

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/provenant/engram/pkg/chain"
	"github.com/provenant/engram/pkg/metrics"
	"github.com/provenant/engram/pkg/record"
	"github.com/provenant/engram/pkg/session"
	"github.com/provenant/engram/pkg/store"
	"github.com/provenant/engram/pkg/trace"
)

// Config holds configuration for the engram system.
type Config struct {
	// Root directory for file-backed storage (default: ".engram")
	DataDir string `env:"ENGRAM_DATA_DIR" envDefault:".engram"`

	// Storage backend: "file", "sqlite", or "memory" (default: "file")
	Backend string `env:"ENGRAM_BACKEND" envDefault:"file"`

	// SQLite database path; defaults to <DataDir>/engrams.db
	SQLitePath string `env:"ENGRAM_SQLITE_PATH"`

	// Disable the per-append fsync (file backend only). Appends are no
	// longer crash-durable when acknowledged; intended for tests.
	DisableSync bool `env:"ENGRAM_DISABLE_SYNC" envDefault:"false"`

	// JSONL trace export path; empty disables export. Only active in
	// builds with the tracing tag.
	TracePath string `env:"ENGRAM_TRACE_PATH"`

	// Metrics collector; nil disables instrumentation.
	Collector metrics.Collector `env:"-"`

	// Logger for recovery and lifecycle events; nil uses a no-op logger.
	Logger *zerolog.Logger `env:"-"`
}

// System is the main entry point: it owns the configured store and is the
// only surface handed to the orchestrator (session side) and to the
// audit/API layer (read side).
type System struct {
	config   Config
	st       store.EngramStore
	exporter trace.Exporter
	logger   zerolog.Logger
}

// New creates a new engram System for the configured backend.
func New(cfg Config) (*System, error) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.DataDir == "" {
		cfg.DataDir = ".engram"
	}
	if cfg.Backend == "" {
		cfg.Backend = "file"
	}

	var (
		backing store.EngramStore
		err     error
	)
	switch cfg.Backend {
	case "file":
		opts := []store.FileOption{store.WithLogger(logger)}
		if cfg.DisableSync {
			opts = append(opts, store.WithoutSync())
		}
		backing, err = store.NewFileEngramStore(cfg.DataDir, opts...)
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "engrams.db")
		}
		backing, err = store.NewSQLiteEngramStore(path)
	case "memory":
		backing = store.NewMemoryEngramStore()
	default:
		return nil, &record.ValidationError{Field: "backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	var exporter trace.Exporter
	if cfg.TracePath != "" {
		exporter, err = trace.NewFileExporter(cfg.TracePath)
		if err != nil {
			backing.Close()
			return nil, fmt.Errorf("open trace exporter: %w", err)
		}
	}

	st := backing
	if cfg.Collector != nil || exporter != nil {
		st = newInstrumentedStore(backing, cfg.Collector, exporter, cfg.Backend)
	}

	logger.Debug().Str("backend", cfg.Backend).Str("data_dir", cfg.DataDir).Msg("engram system ready")

	return &System{
		config:   cfg,
		st:       st,
		exporter: exporter,
		logger:   logger,
	}, nil
}

// OpenSession begins a session for one agent run, bound to this system's
// store. An empty sessionID gets a generated UUID.
func (s *System) OpenSession(ctx context.Context, tenantID, agentID, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess, err := session.New(s.st, tenantID, agentID, sessionID)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("tenant", tenantID).
		Str("agent", agentID).
		Str("session", sessionID).
		Msg("opened session")
	return sess, nil
}

// Get retrieves one engram by ID. Part of the read-only surface exposed to
// the audit/API layer; connectors never touch partition files directly.
func (s *System) Get(ctx context.Context, id record.EngramID) (*record.Engram, error) {
	return s.st.Get(ctx, id)
}

// Query returns a lazy sequence of engrams matching the filter.
func (s *System) Query(ctx context.Context, q store.Query) iter.Seq2[*record.Engram, error] {
	return s.st.Query(ctx, q)
}

// Verify re-checks the full integrity chain for one session.
func (s *System) Verify(ctx context.Context, tenantID, sessionID string) (chain.VerificationResult, error) {
	return s.st.Verify(ctx, tenantID, sessionID)
}

// Store exposes the instrumented store for embedding, e.g. to bind sessions
// created outside this facade.
func (s *System) Store() store.EngramStore {
	return s.st
}

// Close releases the backend and flushes the trace exporter.
func (s *System) Close() error {
	err := s.st.Close()
	if s.exporter != nil {
		if cerr := s.exporter.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
