// Package storage implements the crash-safe key-value state machine that
// composes an append-only log with an in-memory map. All mutations go
// through Apply, the consensus module's only entry point into this engine.
//
// Grounded on the teacher's internal/store/store.go (Put/Get/Delete plus
// Snapshot's lock-clone-write-rename sequence), generalized from
// vector-clock conflict resolution to the ordering already supplied by
// the consensus log: a command only ever reaches Apply once, in commit
// order, so SE does not need to resolve concurrent writes itself.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/kvraft/kvraft/internal/aol"
	"github.com/kvraft/kvraft/internal/index"
	"github.com/kvraft/kvraft/internal/kvmem"
)

// Command is the opaque payload SE interprets. It mirrors aol.Record's
// shape since an applied command and a durable log record are the same
// thing by the time they reach SE.
type Command struct {
	Op    aol.Op `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// EncodeCommand produces the opaque byte string the consensus log stores
// and later hands back to Apply.
func EncodeCommand(c Command) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("storage: encode command: %w", err)
	}
	return b, nil
}

func decodeCommand(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("storage: decode command: %w", err)
	}
	return c, nil
}

// snapshotFile is the on-disk representation of a snapshot: MEM plus the
// consensus coordinates up to and including which it is complete.
type snapshotFile struct {
	State             map[string]string `json:"state"`
	LastIncludedIndex uint64            `json:"last_included_index"`
	LastIncludedTerm  uint64            `json:"last_included_term"`
}

// Engine is the storage engine: AOL + MEM (+ optional secondary index).
type Engine struct {
	log  *zerolog.Logger
	aol  *aol.Log
	mem  *kvmem.Map
	idx  *index.Index // nil if no secondary index is configured

	dataDir            string
	snapshotPath        string
	compactionThreshold uint64

	// mu serializes Apply and Snapshot against each other; MEM itself has
	// its own finer-grained RWMutex for Get concurrency.
	mu sync.Mutex

	opCount           uint64
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
}

// Option configures an Engine at Open time.
type Option func(*Engine)

// WithIndex attaches a secondary index. Its writes are best-effort and
// never affect command success or commit advancement.
func WithIndex(idx *index.Index) Option {
	return func(e *Engine) { e.idx = idx }
}

// WithCompactionThreshold overrides the default operation-count threshold
// that triggers a snapshot (5 in tests, 10,000 in production).
func WithCompactionThreshold(n uint64) Option {
	return func(e *Engine) { e.compactionThreshold = n }
}

// Open opens (or creates) the engine's on-disk state under dataDir:
// loading any snapshot, then replaying the AOL over it, per recover()'s
// contract.
func Open(dataDir string, log *zerolog.Logger, opts ...Option) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create data dir %s: %w", dataDir, err)
	}

	e := &Engine{
		log:                 log,
		mem:                 kvmem.New(),
		dataDir:             dataDir,
		snapshotPath:        filepath.Join(dataDir, "snapshot.dat"),
		compactionThreshold: 10000,
	}
	for _, opt := range opts {
		opt(e)
	}

	aolLog, err := aol.Open(filepath.Join(dataDir, "append_only_log.aol"))
	if err != nil {
		return nil, fmt.Errorf("storage: open aol: %w", err)
	}
	e.aol = aolLog

	if err := e.recover(); err != nil {
		aolLog.Close()
		return nil, err
	}
	return e, nil
}

// recover loads the snapshot if present, then replays the AOL on top of
// it. Unknown command tokens are logged and skipped, tolerating
// forward-compatible command additions.
func (e *Engine) recover() error {
	if data, err := os.ReadFile(e.snapshotPath); err == nil {
		var snap snapshotFile
		if uerr := json.Unmarshal(data, &snap); uerr != nil {
			return fmt.Errorf("storage: corrupted snapshot: %w", uerr)
		}
		e.mem.Replace(snap.State)
		e.lastIncludedIndex = snap.LastIncludedIndex
		e.lastIncludedTerm = snap.LastIncludedTerm
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("storage: read snapshot: %w", err)
	}

	records, corrupted, err := e.aol.Replay()
	if err != nil {
		return fmt.Errorf("storage: replay aol: %w", err)
	}
	if corrupted && e.log != nil {
		e.log.Warn().Msg("append-only log truncated at first corrupted or incomplete trailing record")
	}
	for _, rec := range records {
		switch rec.Op {
		case aol.OpSet:
			e.mem.Set(rec.Key, rec.Value)
		case aol.OpDelete:
			e.mem.Delete(rec.Key)
		default:
			if e.log != nil {
				e.log.Warn().Str("op", string(rec.Op)).Msg("skipping unknown command token during recovery")
			}
		}
	}
	return nil
}

// Get serves a read directly from MEM.
func (e *Engine) Get(key string) (string, bool) {
	return e.mem.Get(key)
}

// LastIncludedIndex reports the consensus index of the most recently
// applied command, which the next snapshot records as its
// last_included_index.
func (e *Engine) LastIncludedIndex() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastIncludedIndex
}

// Apply is the RCM's only entry point for committed commands. Order is
// load-bearing: (1) append to the AOL and wait for durability, (2) mutate
// MEM, (3) best-effort secondary index write, (4) maybe snapshot.
//
// index is the consensus log index this command was committed at; it is
// recorded in the next successful snapshot's last_included_index.
func (e *Engine) Apply(index_ uint64, term uint64, cmd []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := decodeCommand(cmd)
	if err != nil {
		return err
	}

	var rec aol.Record
	switch c.Op {
	case aol.OpSet:
		rec = aol.Record{Op: aol.OpSet, Key: c.Key, Value: c.Value}
	case aol.OpDelete:
		rec = aol.Record{Op: aol.OpDelete, Key: c.Key}
	default:
		return fmt.Errorf("storage: unknown command op %q", c.Op)
	}

	if err := e.aol.Append(rec); err != nil {
		return fmt.Errorf("storage: apply: aol append failed: %w", err)
	}

	switch c.Op {
	case aol.OpSet:
		e.mem.Set(c.Key, c.Value)
	case aol.OpDelete:
		e.mem.Delete(c.Key)
	}

	if e.idx != nil {
		var ierr error
		switch c.Op {
		case aol.OpSet:
			ierr = e.idx.Put(c.Key, c.Value)
		case aol.OpDelete:
			ierr = e.idx.Delete(c.Key)
		}
		if ierr != nil && e.log != nil {
			e.log.Warn().Err(ierr).Str("key", c.Key).Msg("secondary index write failed, continuing")
		}
	}

	e.lastIncludedIndex = index_
	e.lastIncludedTerm = term
	atomic.AddUint64(&e.opCount, 1)

	if atomic.LoadUint64(&e.opCount) >= e.compactionThreshold {
		if serr := e.snapshotLocked(); serr != nil {
			if e.log != nil {
				e.log.Error().Err(serr).Msg("snapshot failed, will retry on next mutation")
			}
			// opCount intentionally not reset: the next Apply retries.
		}
	}
	return nil
}

// Snapshot takes e's lock and performs a snapshot; exported for callers
// (e.g. a shutdown hook) that want one outside the Apply-triggered path.
func (e *Engine) Snapshot() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// snapshotLocked materializes MEM, writes it atomically, then clears the
// AOL. Must be called with e.mu held. A failure up to and including the
// rename leaves the prior snapshot and AOL intact. If clearing the AOL
// fails after the rename, the new snapshot is already in place and the
// AOL keeps the records it covers (replaying them over it yields the
// same state). On any failure opCount is not reset, so a retry follows on
// the next mutation.
func (e *Engine) snapshotLocked() error {
	state := e.mem.CloneState()
	snap := snapshotFile{
		State:             state,
		LastIncludedIndex: e.lastIncludedIndex,
		LastIncludedTerm:  e.lastIncludedTerm,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage: encode snapshot: %w", err)
	}

	tmpPath := e.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("storage: create snapshot temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("storage: write snapshot temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("storage: fsync snapshot temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpPath, e.snapshotPath); err != nil {
		return fmt.Errorf("storage: rename snapshot temp file: %w", err)
	}

	if err := e.aol.Clear(); err != nil {
		return fmt.Errorf("storage: clear aol after snapshot: %w", err)
	}
	atomic.StoreUint64(&e.opCount, 0)
	if e.log != nil {
		e.log.Info().Uint64("last_included_index", snap.LastIncludedIndex).Msg("snapshot complete")
	}
	return nil
}

// Close releases the AOL and secondary index handles.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	if err := e.aol.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.idx != nil {
		if err := e.idx.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("storage: close: %v", errs)
	}
	return nil
}
