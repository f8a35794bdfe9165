package txnkv

import (
	"sync"
	"time"

	"github.com/kallevig/ferrokv/internal/metrics"
)

// Store is the transactional string-keyed engine: an in-memory index
// backed by a durable append-only log, guarded by per-key strict
// two-phase locks and a wait-for-graph deadlock detector.
type Store struct {
	mu         sync.Mutex // engine-wide; guards index, nextID, graph, activeTxns
	index      map[string][]byte
	nextID     TxnID
	activeTxns int
	graph      *waitForGraph
	locks      *LockManager
	log        *commitLog
}

// Open opens (or creates) the log file at path and replays it to
// rebuild the in-memory index.
func Open(path string) (*Store, error) {
	l, err := openCommitLog(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		index: make(map[string][]byte),
		graph: newWaitForGraph(),
		locks: newLockManager(),
		log:   l,
	}
	if err := l.replay(func(rec logRecord) {
		if rec.Op == opDel {
			delete(s.index, rec.Key)
		} else {
			s.index[rec.Key] = rec.Value
		}
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying log file.
func (s *Store) Close() error { return s.log.close() }

// Begin starts a new transaction.
func (s *Store) Begin() *Txn {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.activeTxns++
	metrics.TxnActiveTransactions.Set(float64(s.activeTxns))
	s.mu.Unlock()
	return &Txn{
		id:      id,
		store:   s,
		state:   txnActive,
		overlay: make(map[string]writeOp),
		locks:   make(map[string]LockMode),
	}
}

func (s *Store) snapshot(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.index[key]
	return v, ok
}

func (s *Store) applyCommitted(key string, w writeOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.op == opDel {
		delete(s.index, key)
	} else {
		s.index[key] = w.value
	}
}

func (s *Store) forget(id TxnID) {
	s.mu.Lock()
	s.graph.clearWait(id)
	s.activeTxns--
	metrics.TxnActiveTransactions.Set(float64(s.activeTxns))
	s.mu.Unlock()
}

// acquireLock blocks tx until it holds mode on key, detecting deadlock
// along the way. The per-key lock handle is looked up under the lock
// manager's own short-lived mutex; once found, the blocking wait itself
// happens on that key's own condition variable so this never holds the
// store-wide mutex while parked (spec §4.4.1 / §4.4.2).
func (s *Store) acquireLock(tx *Txn, key string, mode LockMode) error {
	kl := s.locks.lockFor(key)
	waitStart := time.Now()

	kl.mu.Lock()
	defer kl.mu.Unlock()

	blocked := false
	for !kl.canGrant(tx.id, mode) {
		blocked = true
		holders := kl.holderSet()

		s.mu.Lock()
		s.graph.addWait(tx.id, holders)
		cycle := s.graph.detectCycleContaining(tx.id)
		s.mu.Unlock()

		if cycle != nil && chooseVictim(cycle) == tx.id {
			metrics.TxnDeadlocksDetected.Inc()
			s.mu.Lock()
			s.graph.clearWait(tx.id)
			s.mu.Unlock()
			metrics.TxnLockWaitSeconds.Observe(time.Since(waitStart).Seconds())
			return ErrDeadlock
		}

		kl.cond.Wait()
	}
	if blocked {
		metrics.TxnLockWaitSeconds.Observe(time.Since(waitStart).Seconds())
	}

	s.mu.Lock()
	s.graph.clearWait(tx.id)
	s.mu.Unlock()

	kl.grant(tx.id, mode)
	return nil
}

// Stats summarizes store state for diagnostics (SPEC_FULL.md §4.4
// supplemental).
type Stats struct {
	Keys        int
	HeldLocks   int
	ActiveTxns  int
}

// Stats reports current store occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	keys := len(s.index)
	active := s.activeTxns
	s.mu.Unlock()
	return Stats{Keys: keys, HeldLocks: s.locks.HeldLocks(), ActiveTxns: active}
}

// --- autocommit convenience operations ---

// Get reads key outside of any explicit transaction. It reads the
// committed index directly, so it never waits on another transaction's
// locks and never sees its uncommitted writes.
func (s *Store) Get(key string) ([]byte, error) {
	v, ok := s.snapshot(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

// Put inserts or overwrites key=value outside of any explicit
// transaction.
func (s *Store) Put(key string, value []byte) error {
	tx := s.Begin()
	err := tx.Update(key, value)
	if err == ErrKeyNotFound {
		err = tx.Insert(key, value)
	}
	if err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// Delete removes key outside of any explicit transaction.
func (s *Store) Delete(key string) error {
	tx := s.Begin()
	if err := tx.Delete(key); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}
