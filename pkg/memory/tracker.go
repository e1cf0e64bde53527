// Package memory provides heap allocation tracking for transactions and
// executing queries.
//
// Each kernel transaction owns a Tracker that records the heap bytes its
// execution scope has claimed. A QueryTracker spans one executing query and
// combines the scope trackers that feed into it: its high-water mark is the
// highest total of simultaneously live allocations ever observed across all
// scopes, so closed scopes keep their contribution while concurrent scopes
// combine by their maximum, not their sum.
package memory

import "sync"

// Tracker records heap allocations for one execution scope.
type Tracker struct {
	mu        sync.Mutex
	allocated int64
	highWater int64
}

// NewTracker creates an empty scope tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// AllocateHeap records n bytes as allocated.
func (t *Tracker) AllocateHeap(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allocated += n
	if t.allocated > t.highWater {
		t.highWater = t.allocated
	}
}

// ReleaseHeap records n bytes as released.
func (t *Tracker) ReleaseHeap(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allocated -= n
}

// EstimatedHeap returns the currently allocated bytes.
func (t *Tracker) EstimatedHeap() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocated
}

// HeapHighWaterMark returns the highest allocation total this scope reached.
func (t *Tracker) HeapHighWaterMark() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highWater
}

// QueryTracker aggregates heap usage across every scope of one executing
// query. All scope allocations and releases flow through it, so its
// high-water mark reflects overlapping scope lifetimes correctly.
type QueryTracker struct {
	mu        sync.Mutex
	allocated int64
	highWater int64
}

// NewQueryTracker creates an empty query-wide tracker.
func NewQueryTracker() *QueryTracker {
	return &QueryTracker{}
}

// AllocateHeap records n bytes as allocated somewhere in the query.
func (q *QueryTracker) AllocateHeap(n int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.allocated += n
	if q.allocated > q.highWater {
		q.highWater = q.allocated
	}
}

// ReleaseHeap records n bytes as released somewhere in the query.
func (q *QueryTracker) ReleaseHeap(n int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.allocated -= n
}

// HeapHighWaterMark returns the highest total of simultaneously live
// allocations the query ever reached.
func (q *QueryTracker) HeapHighWaterMark() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.highWater
}

// TrackerFor binds a transaction-scope tracker to this query tracker.
// Allocations through the returned tracker are charged to both.
func (q *QueryTracker) TrackerFor(scope *Tracker) *ScopedTracker {
	return &ScopedTracker{query: q, scope: scope}
}

// ScopedTracker charges allocations to one transaction scope and to the
// owning query at the same time.
type ScopedTracker struct {
	query *QueryTracker
	scope *Tracker
}

// AllocateHeap records n bytes against the scope and the query.
func (s *ScopedTracker) AllocateHeap(n int64) {
	s.scope.AllocateHeap(n)
	s.query.AllocateHeap(n)
}

// ReleaseHeap records n bytes as released in the scope and the query.
func (s *ScopedTracker) ReleaseHeap(n int64) {
	s.scope.ReleaseHeap(n)
	s.query.ReleaseHeap(n)
}

// HeapHighWaterMark returns the scope's own high-water mark.
func (s *ScopedTracker) HeapHighWaterMark() int64 {
	return s.scope.HeapHighWaterMark()
}
