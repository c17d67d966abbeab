package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/provenant/engram/pkg/chain"
	"github.com/provenant/engram/pkg/record"
)

const (
	lenPrefixSize = 4
	logSuffix     = ".log"

	// maxRecordSize bounds one serialized engram. Anything larger during
	// recovery is treated as a corrupt length prefix.
	maxRecordSize = 16 << 20
)

// FileEngramStore is the durable EngramStore: one append-only partition file
// per (tenant, session) under the root directory. Each record is a 4-byte
// big-endian length prefix followed by the JSON engram including its hash
// fields, so a partition file alone is sufficient to re-verify its chain.
//
// Appends to distinct partitions proceed fully concurrently; appends within
// one partition are serialized by a per-partition mutex, matching the
// single-writer-per-session contract. An append is acknowledged only after
// the flush/sync completes, so a crash can lose at most the one in-flight
// record, which startup recovery truncates away.
type FileEngramStore struct {
	root       string
	syncWrites bool
	logger     zerolog.Logger

	mu     sync.RWMutex
	index  map[record.EngramID]recordLoc
	parts  map[partitionKey]*filePartition
	closed bool
}

type recordLoc struct {
	part   *filePartition
	offset int64
	length uint32
	hash   string
}

type filePartition struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	tenantID  string
	agentID   string
	sessionID string
	size      int64
	count     int
	lastSeq   uint64
	headHash  string
	broken    bool
	closed    bool
}

// FileOption configures a FileEngramStore.
type FileOption func(*FileEngramStore)

// WithLogger sets the logger used for recovery and durability events.
func WithLogger(logger zerolog.Logger) FileOption {
	return func(s *FileEngramStore) {
		s.logger = logger
	}
}

// WithoutSync disables the per-append fsync. Appends are no longer
// crash-durable when acknowledged; intended for tests and bulk imports.
func WithoutSync() FileOption {
	return func(s *FileEngramStore) {
		s.syncWrites = false
	}
}

// Compile-time interface check
var _ EngramStore = (*FileEngramStore)(nil)

// NewFileEngramStore opens (or creates) a store rooted at dir and runs crash
// recovery: every partition is scanned sequentially, a truncated tail from a
// crash mid-write is discarded, and the surviving chain is verified. A chain
// that fails verification for any reason other than tail truncation returns
// an error wrapping ErrIntegrity; it is never silently repaired.
func NewFileEngramStore(dir string, opts ...FileOption) (*FileEngramStore, error) {
	s := &FileEngramStore{
		root:       dir,
		syncWrites: true,
		logger:     zerolog.Nop(),
		index:      make(map[record.EngramID]recordLoc),
		parts:      make(map[partitionKey]*filePartition),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	if err := s.recoverAll(); err != nil {
		s.closePartitions()
		return nil, err
	}
	return s, nil
}

// recoverAll scans every partition file under the root.
func (s *FileEngramStore) recoverAll() error {
	tenants, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read store root: %w", err)
	}
	for _, tenant := range tenants {
		if !tenant.IsDir() {
			continue
		}
		tenantDir := filepath.Join(s.root, tenant.Name())
		logs, err := os.ReadDir(tenantDir)
		if err != nil {
			return fmt.Errorf("read tenant dir %s: %w", tenantDir, err)
		}
		for _, entry := range logs {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), logSuffix) {
				continue
			}
			if err := s.recoverPartition(filepath.Join(tenantDir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// recoverPartition replays one partition file, truncating any torn tail and
// verifying the surviving chain before registering it.
func (s *FileEngramStore) recoverPartition(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open partition %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat partition %s: %w", path, err)
	}
	fileSize := info.Size()

	var (
		engrams []*record.Engram
		offsets []int64
		lengths []uint32
		offset  int64
		header  [lenPrefixSize]byte
	)
	// Records are written front to back, so a crash can only leave torn
	// bytes at EOF. A record that is fully present but undecodable is not a
	// crash artifact; it is corruption and must surface as such.
	for offset < fileSize {
		if offset+lenPrefixSize > fileSize {
			break // torn header at EOF
		}
		if _, err := f.ReadAt(header[:], offset); err != nil {
			f.Close()
			return fmt.Errorf("read partition %s at %d: %w", path, offset, err)
		}
		length := binary.BigEndian.Uint32(header[:])
		if length == 0 || length > maxRecordSize {
			f.Close()
			return fmt.Errorf("partition %s has corrupt length prefix at offset %d: %w", path, offset, ErrIntegrity)
		}
		if offset+lenPrefixSize+int64(length) > fileSize {
			break // torn body at EOF
		}
		body := make([]byte, length)
		if _, err := f.ReadAt(body, offset+lenPrefixSize); err != nil {
			f.Close()
			return fmt.Errorf("read partition %s at %d: %w", path, offset, err)
		}
		var e record.Engram
		if err := json.Unmarshal(body, &e); err != nil {
			f.Close()
			return fmt.Errorf("partition %s has undecodable record at offset %d: %w", path, offset, ErrIntegrity)
		}
		engrams = append(engrams, &e)
		offsets = append(offsets, offset)
		lengths = append(lengths, length)
		offset += lenPrefixSize + int64(length)
	}

	if offset < fileSize {
		// Crash mid-write: drop the single unacknowledged record.
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return fmt.Errorf("truncate torn tail of %s: %w", path, err)
		}
		s.logger.Warn().
			Str("partition", path).
			Int64("discarded_bytes", fileSize-offset).
			Msg("truncated torn record tail during recovery")
	}

	if len(engrams) == 0 {
		// Nothing durable ever landed here (crash between create and first
		// append). Not registered; the session can start over cleanly.
		f.Close()
		return nil
	}

	if res := chain.VerifyChain(engrams); !res.Valid {
		f.Close()
		return fmt.Errorf("partition %s tampered at sequence %d (%s): %w",
			path, res.AtSequence, res.Reason, ErrIntegrity)
	}

	head := engrams[len(engrams)-1]
	p := &filePartition{
		path:      path,
		file:      f,
		tenantID:  head.TenantID,
		agentID:   head.AgentID,
		sessionID: head.SessionID,
		size:      offset,
		count:     len(engrams),
		lastSeq:   head.Sequence,
		headHash:  head.Hash,
	}
	s.parts[partitionKey{p.tenantID, p.sessionID}] = p
	for i, e := range engrams {
		s.index[e.ID] = recordLoc{part: p, offset: offsets[i], length: lengths[i], hash: e.Hash}
	}

	s.logger.Debug().
		Str("tenant", p.tenantID).
		Str("session", p.sessionID).
		Int("engrams", p.count).
		Msg("recovered partition")
	return nil
}

// encodePathPart makes an opaque identifier safe to use as a file name
// component. Every byte outside [A-Za-z0-9_-] is percent-encoded, which also
// rules out traversal components like "..".
func encodePathPart(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// partitionFor returns the partition for an engram's (tenant, session),
// creating its file on first use. Caller holds s.mu.
func (s *FileEngramStore) partitionFor(e *record.Engram) (*filePartition, error) {
	key := partitionKey{e.TenantID, e.SessionID}
	if p, ok := s.parts[key]; ok {
		return p, nil
	}

	tenantDir := filepath.Join(s.root, encodePathPart(e.TenantID))
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tenant dir: %w", err)
	}
	path := filepath.Join(tenantDir, encodePathPart(e.SessionID)+logSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create partition %s: %w", path, err)
	}

	p := &filePartition{
		path:      path,
		file:      f,
		tenantID:  e.TenantID,
		agentID:   e.AgentID,
		sessionID: e.SessionID,
	}
	s.parts[key] = p
	return p, nil
}

// Append durably persists an engram: serialize, write the length-prefixed
// record, sync, then publish it in the index. Success is returned only after
// the sync completes.
//
// Lock order is always store mutex before partition mutex, never both at
// once on the append path: the partition write runs under p.mu alone, and
// the index entry is published under s.mu after p.mu is released.
func (s *FileEngramStore) Append(ctx context.Context, e *record.Engram) (record.EngramID, error) {
	if err := checkAppend(e); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if loc, ok := s.index[e.ID]; ok {
		s.mu.Unlock()
		if loc.hash == e.Hash {
			return e.ID, nil // retried append of an already durable record
		}
		return "", &DuplicateIDError{ID: e.ID}
	}
	p, err := s.partitionFor(e)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.mu.Unlock()

	offset, length, err := p.appendRecord(e, s.syncWrites, s.logger)
	if err != nil {
		return "", err
	}

	// The record is durable; losing the race with Close just means the
	// index entry is published into a store nothing will read again.
	s.mu.Lock()
	s.index[e.ID] = recordLoc{part: p, offset: offset, length: length, hash: e.Hash}
	s.mu.Unlock()

	return e.ID, nil
}

// appendRecord serializes and durably writes one record under the partition
// mutex, returning the record's offset and body length for indexing.
func (p *filePartition) appendRecord(e *record.Engram, syncWrites bool, logger zerolog.Logger) (int64, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, 0, ErrClosed
	}
	if p.broken {
		return 0, 0, fmt.Errorf("partition %s has an unrecovered torn write: %w", p.path, ErrIntegrity)
	}
	if p.count == 0 {
		if e.Sequence != 0 || e.PrevHash != chain.Genesis(e.TenantID, e.AgentID, e.SessionID) {
			return 0, 0, ErrChainMismatch
		}
	} else if e.Sequence != p.lastSeq+1 || e.PrevHash != p.headHash {
		return 0, 0, ErrChainMismatch
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return 0, 0, fmt.Errorf("serialize engram: %w", err)
	}
	if len(payload) > maxRecordSize {
		return 0, 0, &record.ValidationError{Field: "engram", Reason: "serialized record exceeds size limit"}
	}

	buf := make([]byte, lenPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[lenPrefixSize:], payload)

	offset := p.size
	if _, err := p.file.Write(buf); err != nil {
		// Best effort: drop whatever landed so the partition stays clean.
		if terr := p.file.Truncate(p.size); terr != nil {
			p.broken = true
			logger.Error().Err(terr).Str("partition", p.path).Msg("failed to truncate torn write")
		}
		return 0, 0, fmt.Errorf("write partition %s: %w", p.path, err)
	}
	if syncWrites {
		if err := p.file.Sync(); err != nil {
			if terr := p.file.Truncate(p.size); terr != nil {
				p.broken = true
				logger.Error().Err(terr).Str("partition", p.path).Msg("failed to truncate unsynced write")
			}
			return 0, 0, fmt.Errorf("sync partition %s: %w", p.path, err)
		}
	}

	p.size += int64(len(buf))
	p.count++
	p.lastSeq = e.Sequence
	p.headHash = e.Hash

	return offset, uint32(len(payload)), nil
}

// readRecordAt deserializes one record body. Records are immutable once
// indexed, so reads need no partition lock.
func readRecordAt(p *filePartition, offset int64, length uint32) (*record.Engram, error) {
	body := make([]byte, length)
	if _, err := p.file.ReadAt(body, offset+lenPrefixSize); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("read partition %s at %d: %w", p.path, offset, err)
	}
	var e record.Engram
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode record in %s at %d: %w", p.path, offset, err)
	}
	return &e, nil
}

// Get retrieves one engram by ID via the in-memory index.
func (s *FileEngramStore) Get(ctx context.Context, id record.EngramID) (*record.Engram, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	loc, ok := s.index[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return readRecordAt(loc.part, loc.offset, loc.length)
}

// readPartition loads every record currently durable in a partition, in
// sequence order. The size is snapshotted so a concurrent append is simply
// not part of this read.
func (s *FileEngramStore) readPartition(p *filePartition) ([]*record.Engram, error) {
	p.mu.Lock()
	limit := p.size
	p.mu.Unlock()

	var (
		engrams []*record.Engram
		offset  int64
		header  [lenPrefixSize]byte
	)
	for offset < limit {
		if _, err := p.file.ReadAt(header[:], offset); err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("read partition %s at %d: %w", p.path, offset, err)
		}
		length := binary.BigEndian.Uint32(header[:])
		e, err := readRecordAt(p, offset, length)
		if err != nil {
			return nil, err
		}
		engrams = append(engrams, e)
		offset += lenPrefixSize + int64(length)
	}
	return engrams, nil
}

// Query scans the relevant partitions, narrowed by tenant/agent/session
// before any record body is read, and applies the remaining filters while
// producing the lazy result sequence.
func (s *FileEngramStore) Query(ctx context.Context, q Query) iter.Seq2[*record.Engram, error] {
	return func(yield func(*record.Engram, error) bool) {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield(nil, ErrClosed)
			return
		}
		var selected []*filePartition
		keys := make([]partitionKey, 0, len(s.parts))
		for key := range s.parts {
			keys = append(keys, key)
		}
		sortPartitionKeys(keys, q.OrderDesc)
		for _, key := range keys {
			p := s.parts[key]
			if q.TenantID != "" && p.tenantID != q.TenantID {
				continue
			}
			if q.SessionID != "" && p.sessionID != q.SessionID {
				continue
			}
			if q.AgentID != "" && p.agentID != q.AgentID {
				continue
			}
			selected = append(selected, p)
		}
		s.mu.RUnlock()

		yielded := 0
		for _, p := range selected {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			engrams, err := s.readPartition(p)
			if err != nil {
				yield(nil, err)
				return
			}
			if q.OrderDesc {
				slices.Reverse(engrams)
			}
			for _, e := range engrams {
				if !q.Matches(e) {
					continue
				}
				if !yield(e, nil) {
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

// Verify loads the full chain for one session and delegates to the chain
// engine. A session with no durable engrams returns ErrNotFound.
func (s *FileEngramStore) Verify(ctx context.Context, tenantID, sessionID string) (chain.VerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return chain.VerificationResult{}, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return chain.VerificationResult{}, ErrClosed
	}
	p, ok := s.parts[partitionKey{tenantID, sessionID}]
	s.mu.RUnlock()

	if !ok {
		return chain.VerificationResult{}, ErrNotFound
	}
	engrams, err := s.readPartition(p)
	if err != nil {
		return chain.VerificationResult{}, err
	}
	if len(engrams) == 0 {
		return chain.VerificationResult{}, ErrNotFound
	}
	return chain.VerifyChain(engrams), nil
}

func (s *FileEngramStore) closePartitions() {
	for _, p := range s.parts {
		p.mu.Lock()
		if !p.closed {
			p.closed = true
			// The handle stays set: a reader racing Close sees
			// os.ErrClosed from ReadAt rather than a nil pointer.
			p.file.Close()
		}
		p.mu.Unlock()
	}
}

// Close releases all partition file handles. Further operations fail with
// ErrClosed.
func (s *FileEngramStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closePartitions()
	return nil
}
