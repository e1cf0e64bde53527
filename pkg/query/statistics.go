// Package query - Statistics capability interface.
package query

// StatisticProvider exposes the execution statistics of one scope. Every
// execution scope (the outer context and each inner context) implements it,
// and the snapshot builder queries all providers uniformly.
type StatisticProvider interface {
	// PageCacheHits returns the scope's page-cache hit count.
	PageCacheHits() int64

	// PageCacheMisses returns the scope's page-fault count.
	PageCacheMisses() int64

	// ActiveLockCount returns the locks the scope currently holds.
	ActiveLockCount() int64

	// HeapHighWaterMark returns the scope's peak tracked heap usage.
	HeapHighWaterMark() int64
}
