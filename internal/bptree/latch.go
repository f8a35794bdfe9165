package bptree

import "sync"

// LatchManager hands out one logical latch per page id. Latches are not
// durable — they exist only in memory for the lifetime of the process —
// and are never freed once created, per spec §5 ("Per-page B+tree
// latches... never freed; unbounded growth is accepted in the base
// spec"). This mirrors the hash-keyed latch table idiom in
// hmarui66-blink-tree-go's latchmgr.go, simplified to stdlib
// sync.RWMutex: that repo hand-rolls a phase-fair spinlock because it
// needs several independent lock sets per page (access/delete/parent/
// atomic); this tree only ever needs shared-vs-exclusive plus a
// try-exclusive for sibling coupling, which sync.RWMutex already gives
// for free (Go 1.18+ adds TryLock/TryRLock).
type LatchManager struct {
	mu      sync.Mutex
	latches map[int32]*sync.RWMutex
}

// NewLatchManager returns an empty latch manager.
func NewLatchManager() *LatchManager {
	return &LatchManager{latches: make(map[int32]*sync.RWMutex)}
}

func (lm *LatchManager) latchFor(page int32) *sync.RWMutex {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.latches[page]
	if !ok {
		l = &sync.RWMutex{}
		lm.latches[page] = l
	}
	return l
}

// AcquireShared blocks until a shared (read) latch on page is held.
func (lm *LatchManager) AcquireShared(page int32) {
	lm.latchFor(page).RLock()
}

// ReleaseShared releases a previously acquired shared latch.
func (lm *LatchManager) ReleaseShared(page int32) {
	lm.latchFor(page).RUnlock()
}

// AcquireExclusive blocks until an exclusive (write) latch on page is held.
func (lm *LatchManager) AcquireExclusive(page int32) {
	lm.latchFor(page).Lock()
}

// ReleaseExclusive releases a previously acquired exclusive latch.
func (lm *LatchManager) ReleaseExclusive(page int32) {
	lm.latchFor(page).Unlock()
}

// TryAcquireExclusive attempts a non-blocking exclusive latch acquisition,
// used for the sibling coupling required on leaf split/merge (spec
// §4.3.1: "the prev/next leaf latches must be acquired try-lock; if the
// try-lock fails, the whole operation is aborted with a retry signal").
func (lm *LatchManager) TryAcquireExclusive(page int32) bool {
	return lm.latchFor(page).TryLock()
}

// latchStack tracks latches held during a single insert/delete descent so
// they can be released in bulk once the operation reaches a safe node, or
// all at once on a sibling-lock failure that triggers a restart.
type latchStack struct {
	pages     []int32
	exclusive []bool
	permanent []bool
}

func (s *latchStack) push(page int32, exclusive bool) {
	s.pages = append(s.pages, page)
	s.exclusive = append(s.exclusive, exclusive)
	s.permanent = append(s.permanent, false)
}

// markTopPermanent flags the most recently pushed latch as permanent: an
// ancestor latch retained because the in-order-successor fixup (spec
// §4.3, "Key replacement") needs to write back into that node once the
// recursive delete call returns (spec §4.3.1, "Pinned locks").
func (s *latchStack) markTopPermanent() {
	if len(s.permanent) > 0 {
		s.permanent[len(s.permanent)-1] = true
	}
}

// releaseAllButPermanent releases every non-permanent latch, in LIFO
// order, and compacts the stack down to just the permanent ones still
// held (so pinned ancestors remain tracked and get released exactly once,
// at the end of the operation).
func (lm *LatchManager) releaseAllButPermanent(s *latchStack) {
	var keptPages []int32
	var keptExclusive []bool
	var keptPermanent []bool
	for i := len(s.pages) - 1; i >= 0; i-- {
		if s.permanent[i] {
			keptPages = append([]int32{s.pages[i]}, keptPages...)
			keptExclusive = append([]bool{s.exclusive[i]}, keptExclusive...)
			keptPermanent = append([]bool{true}, keptPermanent...)
			continue
		}
		lm.release(s.pages[i], s.exclusive[i])
	}
	s.pages, s.exclusive, s.permanent = keptPages, keptExclusive, keptPermanent
}

// releaseAll releases every latch on the stack, in LIFO order.
func (lm *LatchManager) releaseAll(s *latchStack) {
	for i := len(s.pages) - 1; i >= 0; i-- {
		lm.release(s.pages[i], s.exclusive[i])
	}
	s.pages, s.exclusive, s.permanent = nil, nil, nil
}

func (lm *LatchManager) release(page int32, exclusive bool) {
	if exclusive {
		lm.ReleaseExclusive(page)
	} else {
		lm.ReleaseShared(page)
	}
}
