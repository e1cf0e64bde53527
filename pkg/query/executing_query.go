// Package query implements transactional contexts and the executing-query
// record that aggregates statistics across nested transaction scopes.
//
// One ExecutingQuery exists per top-level query invocation. The outer
// context and every inner context spawned from it share the record by
// identity, and it survives commit-and-restart cycles unchanged. Scopes fold
// their final page-cache statistics into the record when they close, so a
// snapshot always equals the retained totals of closed scopes plus the live
// totals of open ones.
package query

import (
	"errors"
	"fmt"
	"sync"

	"github.com/orneryd/muninndb/pkg/memory"
)

var (
	ErrContextClosed  = errors.New("transactional context already closed")
	ErrQueryLifecycle = errors.New("executing query lifecycle violation")
)

// Obfuscator rewrites query text before it becomes visible to listings.
type Obfuscator func(rawText string) string

// PassthroughObfuscator exposes the raw query text unchanged.
var PassthroughObfuscator Obfuscator = func(rawText string) string { return rawText }

// ExecutingQuery is the shared record of one top-level query invocation.
type ExecutingQuery struct {
	id      uint64
	rawText string

	mu              sync.Mutex
	obfuscatedText  string
	obfuscatorReady bool
	compiled        bool
	started         bool
	tracker         *memory.QueryTracker
	foldedHits      int64
	foldedFaults    int64
	providers       map[StatisticProvider]struct{}
	txID            uint64
}

func newExecutingQuery(id uint64, rawText string, txID uint64) *ExecutingQuery {
	return &ExecutingQuery{
		id:        id,
		rawText:   rawText,
		providers: make(map[StatisticProvider]struct{}),
		txID:      txID,
	}
}

// ID returns the query's numeric id.
func (q *ExecutingQuery) ID() uint64 { return q.id }

// QueryID returns the query's printable id, e.g. "query-7".
func (q *ExecutingQuery) QueryID() string {
	return fmt.Sprintf("query-%d", q.id)
}

// RawQueryText returns the query text as submitted.
func (q *ExecutingQuery) RawQueryText() string { return q.rawText }

// ObfuscatedQueryText returns the text listings may show. It is only
// available once OnObfuscatorReady has been called.
func (q *ExecutingQuery) ObfuscatedQueryText() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.obfuscatedText, q.obfuscatorReady
}

// OnObfuscatorReady marks parsing as finished and fixes the visible query
// text.
func (q *ExecutingQuery) OnObfuscatorReady(ob Obfuscator) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.obfuscatedText = ob(q.rawText)
	q.obfuscatorReady = true
}

// OnCompilationCompleted marks compilation as finished. It must follow
// OnObfuscatorReady.
func (q *ExecutingQuery) OnCompilationCompleted() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.obfuscatorReady {
		return fmt.Errorf("compilation completed before obfuscator ready: %w", ErrQueryLifecycle)
	}
	q.compiled = true
	return nil
}

// OnExecutionStarted attaches the query-wide memory tracker. Allocation
// tracking and the snapshot's allocated-bytes figure are meaningless before
// this point. It must follow OnCompilationCompleted.
func (q *ExecutingQuery) OnExecutionStarted(tracker *memory.QueryTracker) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.compiled {
		return fmt.Errorf("execution started before compilation completed: %w", ErrQueryLifecycle)
	}
	q.started = true
	q.tracker = tracker
	return nil
}

// MemoryTracker returns the query-wide tracker, nil before execution start.
func (q *ExecutingQuery) MemoryTracker() *memory.QueryTracker {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tracker
}

func (q *ExecutingQuery) registerProvider(p StatisticProvider) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.providers[p] = struct{}{}
}

func (q *ExecutingQuery) deregisterProvider(p StatisticProvider) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.providers, p)
}

// fold irreversibly adds a closing scope's final statistics to the retained
// totals.
func (q *ExecutingQuery) fold(hits, faults int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.foldedHits += hits
	q.foldedFaults += faults
}

func (q *ExecutingQuery) setTransactionID(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.txID = id
}

// TransactionID returns the id of the query's current outer transaction.
func (q *ExecutingQuery) TransactionID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.txID
}

// Snapshot produces an immutable point-in-time aggregate across every scope
// that shares this record.
//
// Page hits and faults are the retained totals from closed scopes plus the
// live counters of every open scope. The active lock count covers open
// scopes only, since closed scopes released their locks. Allocated bytes is
// the query tracker's high-water mark, zero before execution start.
//
// Snapshot is safe to call while contexts are mutating; the per-scope
// counters are monotonic, so concurrent reads are benign.
func (q *ExecutingQuery) Snapshot() QuerySnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	hits := q.foldedHits
	faults := q.foldedFaults
	var locks int64
	for p := range q.providers {
		hits += p.PageCacheHits()
		faults += p.PageCacheMisses()
		locks += p.ActiveLockCount()
	}

	var allocated int64
	if q.tracker != nil {
		allocated = q.tracker.HeapHighWaterMark()
	}

	text := q.rawText
	if q.obfuscatorReady {
		text = q.obfuscatedText
	}

	return QuerySnapshot{
		QueryText:       text,
		QueryID:         q.QueryID(),
		TransactionID:   q.txID,
		PageHits:        hits,
		PageFaults:      faults,
		ActiveLockCount: locks,
		AllocatedBytes:  allocated,
	}
}

// QuerySnapshot is an immutable aggregate of one executing query's
// statistics at a single instant.
type QuerySnapshot struct {
	QueryText       string
	QueryID         string
	TransactionID   uint64
	PageHits        int64
	PageFaults      int64
	ActiveLockCount int64
	AllocatedBytes  int64
}
