// Package query - Transactional context lifecycle.
package query

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/orneryd/muninndb/pkg/kernel"
	"github.com/orneryd/muninndb/pkg/memory"
)

// ContextFactory creates transactional contexts and tracks which executing
// query runs in which transaction, for the dbms listing procedures.
type ContextFactory struct {
	kernel      *kernel.Kernel
	nextQueryID atomic.Uint64

	mu          sync.Mutex
	queriesByTx map[uint64]*ExecutingQuery
}

// NewContextFactory creates a factory over the given kernel.
func NewContextFactory(k *kernel.Kernel) *ContextFactory {
	return &ContextFactory{
		kernel:      k,
		queriesByTx: make(map[uint64]*ExecutingQuery),
	}
}

// NewContext wraps an already-begun transaction with a fresh statement and a
// new executing-query record for queryText.
func (f *ContextFactory) NewContext(tx *kernel.Transaction, queryText string) *TransactionalContext {
	q := newExecutingQuery(f.nextQueryID.Add(1), queryText, tx.ID())
	tc := &TransactionalContext{factory: f, query: q, open: true}
	tc.live = &liveStatisticProvider{tc: tc}
	tc.bind(tx)
	return tc
}

// QueryFor returns the executing query currently bound to the given
// transaction id, if any.
func (f *ContextFactory) QueryFor(txID uint64) (*ExecutingQuery, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queriesByTx[txID]
	return q, ok
}

// Queries returns the distinct executing queries currently bound to any
// transaction.
func (f *ContextFactory) Queries() []*ExecutingQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[*ExecutingQuery]struct{}, len(f.queriesByTx))
	var result []*ExecutingQuery
	for _, q := range f.queriesByTx {
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		result = append(result, q)
	}
	return result
}

func (f *ContextFactory) bindQuery(txID uint64, q *ExecutingQuery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queriesByTx[txID] = q
}

func (f *ContextFactory) unbindQuery(txID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queriesByTx, txID)
}

// TransactionalContext owns one transaction handle and one statement, and
// shares an ExecutingQuery with the contexts above and below it.
//
// States: open -> committed | rolled back | closed. Once any terminal state
// is reached the context stays closed.
type TransactionalContext struct {
	factory *ContextFactory
	query   *ExecutingQuery
	parent  *TransactionalContext
	live    *liveStatisticProvider

	mu        sync.Mutex
	tx        *kernel.Transaction
	statement *kernel.Statement
	open      bool
	txFolded  bool
	// accumulated statistics of handles this context already replaced via
	// CommitAndRestartTx
	restartedHits   int64
	restartedFaults int64
}

// bind attaches a transaction incarnation to this context: fresh statement,
// live statistics registration, query binding, and the close hook that folds
// the scope's final statistics before the handle deregisters.
func (tc *TransactionalContext) bind(tx *kernel.Transaction) {
	tc.mu.Lock()
	tc.tx = tx
	tc.statement = tx.AcquireStatement()
	tc.txFolded = false
	tc.mu.Unlock()

	tc.factory.bindQuery(tx.ID(), tc.query)
	tc.query.registerProvider(tc.live)
	tx.OnClose(func() { tc.onTransactionClose(tx) })
}

// onTransactionClose folds the closing handle's statistics into the shared
// record. The kernel runs it before the handle leaves its outer's inner set,
// so a concurrent snapshot never misses the scope's contribution.
func (tc *TransactionalContext) onTransactionClose(tx *kernel.Transaction) {
	stats := tx.ExecutionStatistics()
	tc.query.fold(stats.PageHits, stats.PageFaults)
	tc.query.deregisterProvider(tc.live)
	tc.factory.unbindQuery(tx.ID())

	tc.mu.Lock()
	tc.restartedHits += stats.PageHits
	tc.restartedFaults += stats.PageFaults
	if tc.tx == tx {
		tc.txFolded = true
	}
	tc.mu.Unlock()
}

// ExecutingQuery returns the shared query record. Inner contexts return the
// identical object as their outer.
func (tc *TransactionalContext) ExecutingQuery() *ExecutingQuery {
	return tc.query
}

// Transaction returns the context's current transaction handle.
func (tc *TransactionalContext) Transaction() *kernel.Transaction {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.tx
}

// Statement returns the context's current statement.
func (tc *TransactionalContext) Statement() *kernel.Statement {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.statement
}

// IsOpen reports whether the context is still usable.
func (tc *TransactionalContext) IsOpen() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.open
}

// MemoryTracker returns a tracker charging this context's transaction and
// the shared query at once. It requires execution to have started on the
// executing query.
func (tc *TransactionalContext) MemoryTracker() (*memory.ScopedTracker, error) {
	qt := tc.query.MemoryTracker()
	if qt == nil {
		return nil, fmt.Errorf("memory tracking before execution started: %w", ErrQueryLifecycle)
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return qt.TrackerFor(tc.tx.MemoryTracker()), nil
}

// ContextWithNewTransaction begins a transaction nested under this context's
// handle and wraps it in a new inner context sharing this context's
// executing query by identity.
//
// Fails with kernel.ErrTransactionFailure when the handle is explicit and
// with kernel.ErrTransactionTerminated when it has been marked for
// termination.
func (tc *TransactionalContext) ContextWithNewTransaction() (*TransactionalContext, error) {
	tc.mu.Lock()
	if !tc.open {
		tc.mu.Unlock()
		return nil, ErrContextClosed
	}
	tx := tc.tx
	tc.mu.Unlock()

	innerTx, err := tc.factory.kernel.BeginNested(tx)
	if err != nil {
		return nil, err
	}

	inner := &TransactionalContext{
		factory: tc.factory,
		query:   tc.query,
		parent:  tc,
		open:    true,
	}
	inner.live = &liveStatisticProvider{tc: inner}
	inner.bind(innerTx)
	return inner, nil
}

// Commit releases the statement, commits the handle, and closes the
// context. The scope's final statistics are folded into the executing query
// as part of the handle close, so they stay visible in later snapshots.
func (tc *TransactionalContext) Commit() error {
	tc.mu.Lock()
	if !tc.open {
		tc.mu.Unlock()
		return ErrContextClosed
	}
	tx := tc.tx
	statement := tc.statement
	tc.open = false
	tc.mu.Unlock()

	stErr := statement.Close()
	if err := tx.Commit(); err != nil {
		return err
	}
	return stErr
}

// Rollback discards the unit of work and closes the context. Statistics are
// folded the same way as on commit.
func (tc *TransactionalContext) Rollback() error {
	tc.mu.Lock()
	if !tc.open {
		tc.mu.Unlock()
		return ErrContextClosed
	}
	tx := tc.tx
	statement := tc.statement
	tc.open = false
	tc.mu.Unlock()

	stErr := statement.Close()
	if err := tx.Close(); err != nil {
		return err
	}
	return stErr
}

// Close releases the context's statement and handle if they are still open.
// Closing twice, or after commit/rollback, is a no-op.
func (tc *TransactionalContext) Close() error {
	tc.mu.Lock()
	if !tc.open {
		tc.mu.Unlock()
		return nil
	}
	tx := tc.tx
	statement := tc.statement
	tc.open = false
	tc.mu.Unlock()

	stErr := statement.Close()
	if err := tx.Close(); err != nil {
		return err
	}
	return stErr
}

// CommitAndRestartTx commits the current transaction and statement, then
// rebinds this same context to a replacement handle and statement. The
// executing-query record keeps its identity and its accumulated totals; the
// committed handle's statistics are folded in exactly once. Used by
// periodic-commit style batch operations.
func (tc *TransactionalContext) CommitAndRestartTx() error {
	tc.mu.Lock()
	if !tc.open {
		tc.mu.Unlock()
		return ErrContextClosed
	}
	tx := tc.tx
	statement := tc.statement
	tc.mu.Unlock()

	if reason, ok := tx.TerminationReason(); ok {
		return fmt.Errorf("transaction terminated (%s): %w", reason, kernel.ErrTransactionTerminated)
	}

	if err := statement.Close(); err != nil {
		tx.Close()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	replacement, err := tc.factory.kernel.BeginReplacement(tx)
	if err != nil {
		tc.mu.Lock()
		tc.open = false
		tc.mu.Unlock()
		return fmt.Errorf("restarting transaction: %w", err)
	}

	tc.bind(replacement)
	if tc.parent == nil {
		tc.query.setTransactionID(replacement.ID())
	}
	return nil
}

// KernelStatisticProvider returns this context's statistics view: the
// current handle's live counters plus the totals of any handles this
// context already committed through CommitAndRestartTx. Inner and outer
// contexts see only their own scope.
func (tc *TransactionalContext) KernelStatisticProvider() StatisticProvider {
	return &contextStatisticProvider{tc: tc}
}

// liveStatisticProvider reports only the live counters of the context's
// current handle. It is registered on the executing query while the handle
// is open and deregistered when the handle's statistics fold.
type liveStatisticProvider struct {
	tc *TransactionalContext
}

func (p *liveStatisticProvider) PageCacheHits() int64 {
	return p.tc.Transaction().ExecutionStatistics().PageHits
}

func (p *liveStatisticProvider) PageCacheMisses() int64 {
	return p.tc.Transaction().ExecutionStatistics().PageFaults
}

func (p *liveStatisticProvider) ActiveLockCount() int64 {
	return p.tc.Transaction().ActiveLockCount()
}

func (p *liveStatisticProvider) HeapHighWaterMark() int64 {
	return p.tc.Transaction().MemoryTracker().HeapHighWaterMark()
}

// contextStatisticProvider additionally counts handles the context already
// replaced via restart, matching what profiling should attribute to the
// scope.
type contextStatisticProvider struct {
	tc *TransactionalContext
}

func (p *contextStatisticProvider) read() (hits, faults int64) {
	p.tc.mu.Lock()
	tx := p.tc.tx
	folded := p.tc.txFolded
	hits = p.tc.restartedHits
	faults = p.tc.restartedFaults
	p.tc.mu.Unlock()

	if !folded {
		stats := tx.ExecutionStatistics()
		hits += stats.PageHits
		faults += stats.PageFaults
	}
	return hits, faults
}

func (p *contextStatisticProvider) PageCacheHits() int64 {
	hits, _ := p.read()
	return hits
}

func (p *contextStatisticProvider) PageCacheMisses() int64 {
	_, faults := p.read()
	return faults
}

func (p *contextStatisticProvider) ActiveLockCount() int64 {
	return p.tc.Transaction().ActiveLockCount()
}

func (p *contextStatisticProvider) HeapHighWaterMark() int64 {
	return p.tc.Transaction().MemoryTracker().HeapHighWaterMark()
}
