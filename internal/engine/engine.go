// Package engine wires the heap file, B+tree index, and transactional
// KV store into one embeddable storage engine, along with the ambient
// configuration, logging, and metrics every ferrokv deployment needs.
package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kallevig/ferrokv/internal/bptree"
	"github.com/kallevig/ferrokv/internal/config"
	"github.com/kallevig/ferrokv/internal/heap"
	"github.com/kallevig/ferrokv/internal/obslog"
	"github.com/kallevig/ferrokv/internal/txnkv"
)

const (
	heapFileName  = "heap.db"
	indexFileName = "index.db"
	txnLogName    = "txn.log"
)

// Engine is one open ferrokv instance: a slotted-page heap file, a
// B+tree mapping integer record keys to heap record pointers, and a
// transactional string-keyed store, all rooted at one data directory.
type Engine struct {
	ID  string
	cfg config.Config
	log zerolog.Logger

	records *heap.Heap
	index   *bptree.Tree
	kv      *txnkv.Store
}

// Open opens or creates an engine instance at cfg.DataDir.
func Open(cfg config.Config) (*Engine, error) {
	id := uuid.NewString()
	log := obslog.WithEngine(id)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir %s: %w", cfg.DataDir, err)
	}

	records, err := heap.Open(filepath.Join(cfg.DataDir, heapFileName), cfg.HeapBlockSize)
	if err != nil {
		return nil, fmt.Errorf("engine: open heap: %w", err)
	}
	index, err := bptree.Open(filepath.Join(cfg.DataDir, indexFileName), cfg.BptreeOrder)
	if err != nil {
		return nil, fmt.Errorf("engine: open index: %w", err)
	}
	kv, err := txnkv.Open(filepath.Join(cfg.DataDir, txnLogName))
	if err != nil {
		return nil, fmt.Errorf("engine: open transactional store: %w", err)
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("engine opened")
	return &Engine{ID: id, cfg: cfg, log: log, records: records, index: index, kv: kv}, nil
}

// Close closes every subsystem's underlying file.
func (e *Engine) Close() error {
	var firstErr error
	for _, closer := range []func() error{e.records.Close, e.index.Close, e.kv.Close} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PutRecord appends payload to the heap and indexes it under key,
// replacing whatever record key previously pointed at.
func (e *Engine) PutRecord(key uint64, payload []byte) error {
	ptr, err := e.records.AppendRecord(payload)
	if err != nil {
		return fmt.Errorf("engine: put record %d: %w", key, err)
	}
	if err := e.index.Insert(key, ptr); err != nil {
		if err == bptree.ErrKeyExists {
			return e.index.Update(key, ptr)
		}
		return fmt.Errorf("engine: index record %d: %w", key, err)
	}
	return nil
}

// GetRecord looks up key in the index and reads its payload from the
// heap.
func (e *Engine) GetRecord(key uint64) ([]byte, error) {
	ptr, err := e.index.Search(key)
	if err != nil {
		return nil, fmt.Errorf("engine: get record %d: %w", key, err)
	}
	payload, err := e.records.ReadRecord(ptr)
	if err != nil {
		return nil, fmt.Errorf("engine: read record %d at %s: %w", key, ptr, err)
	}
	return payload, nil
}

// DeleteRecord removes key from the index. The heap block holding its
// payload is not reclaimed (spec §5, "heap storage is never
// compacted").
func (e *Engine) DeleteRecord(key uint64) error {
	if err := e.index.Delete(key); err != nil {
		return fmt.Errorf("engine: delete record %d: %w", key, err)
	}
	return nil
}

// RangeRecords calls fn for every indexed key in [lo, hi) ascending.
func (e *Engine) RangeRecords(lo, hi uint64, fn func(key uint64, payload []byte) bool) error {
	return e.index.Range(lo, hi, func(key uint64, ptr heap.RecordPointer) bool {
		payload, err := e.records.ReadRecord(ptr)
		if err != nil {
			e.log.Error().Err(err).Uint64("key", key).Msg("range: failed to read record payload")
			return true
		}
		return fn(key, payload)
	})
}

// KV returns the transactional string-keyed store, for callers that
// want explicit Begin/Commit/Abort control.
func (e *Engine) KV() *txnkv.Store { return e.kv }

// Get, Put, and Delete are autocommit convenience wrappers over KV().
func (e *Engine) Get(key string) ([]byte, error)     { return e.kv.Get(key) }
func (e *Engine) Put(key string, value []byte) error { return e.kv.Put(key, value) }
func (e *Engine) Delete(key string) error            { return e.kv.Delete(key) }

// Stats aggregates diagnostics across every subsystem.
type Stats struct {
	EngineID string
	Heap     heap.Stats
	Bptree   int // height
	Txn      txnkv.Stats
}

// Stats gathers a point-in-time snapshot across subsystems.
func (e *Engine) Stats() (Stats, error) {
	hs, err := e.records.Stats()
	if err != nil {
		return Stats{}, err
	}
	height, err := e.index.Height()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		EngineID: e.ID,
		Heap:     hs,
		Bptree:   height,
		Txn:      e.kv.Stats(),
	}, nil
}
