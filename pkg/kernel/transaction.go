// Package kernel - Transaction handle lifecycle.
package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/muninndb/pkg/auth"
	"github.com/orneryd/muninndb/pkg/memory"
	"github.com/orneryd/muninndb/pkg/storage"
)

// Type distinguishes transactions begun by the query engine on the caller's
// behalf (implicit) from transactions the caller manages explicitly. Only
// implicit transactions may spawn inner transactions.
type Type string

const (
	Implicit Type = "implicit"
	Explicit Type = "explicit"
)

// TerminationReason records why a transaction was marked for termination.
type TerminationReason string

const (
	ReasonTerminated TerminationReason = "Terminated"
	ReasonTimeout    TerminationReason = "TransactionTimedOut"
)

// Transaction is one logical unit of work.
//
// A transaction exclusively owns its engine-level transaction, its memory
// tracker, and at most one Statement. Inner transactions register on their
// outer handle; the child holds a back-reference only and never owns the
// parent. All operations are synchronous; the timeout monitor is the only
// concurrent actor and it only ever sets the termination flag.
type Transaction struct {
	kernel    *Kernel
	id        uint64
	txType    Type
	login     auth.LoginContext
	timeout   time.Duration
	startedAt time.Time
	outer     *Transaction

	engineTx storage.EngineTx
	tracker  *memory.Tracker

	// terminated is written by MarkForTermination, possibly from the
	// monitor goroutine, and read by every operation.
	terminated atomic.Pointer[TerminationReason]

	mu         sync.Mutex
	open       bool
	committed  bool
	rolledBack bool
	statement  *Statement
	metadata   map[string]any
	inner      map[uint64]*Transaction
	closeHooks []func()
}

func newTransaction(k *Kernel, id uint64, txType Type, login auth.LoginContext, timeout time.Duration, engineTx storage.EngineTx, outer *Transaction) *Transaction {
	return &Transaction{
		kernel:    k,
		id:        id,
		txType:    txType,
		login:     login,
		timeout:   timeout,
		startedAt: time.Now(),
		outer:     outer,
		engineTx:  engineTx,
		tracker:   memory.NewTracker(),
		open:      true,
		metadata:  make(map[string]any),
		inner:     make(map[uint64]*Transaction),
	}
}

// ID returns the transaction's kernel-wide unique id.
func (t *Transaction) ID() uint64 { return t.id }

// Type returns whether the transaction is implicit or explicit.
func (t *Transaction) Type() Type { return t.txType }

// DatabaseName returns the database this transaction runs against.
func (t *Transaction) DatabaseName() string { return t.kernel.database }

// Subject returns the authenticated subject the transaction runs as.
func (t *Transaction) Subject() string { return t.login.Subject }

// Outer returns the outer transaction for inner transactions, nil otherwise.
func (t *Transaction) Outer() *Transaction { return t.outer }

// IsOpen reports whether the transaction has neither committed, rolled back,
// nor been closed.
func (t *Transaction) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// TerminationReason returns the reason the transaction was marked for
// termination, if it was.
func (t *Transaction) TerminationReason() (TerminationReason, bool) {
	if r := t.terminated.Load(); r != nil {
		return *r, true
	}
	return "", false
}

// MarkForTermination idempotently flags the transaction and all currently
// registered inner transactions for termination. It releases no resources;
// operations observe the flag and fail. Safe to call from any goroutine.
func (t *Transaction) MarkForTermination(reason TerminationReason) {
	r := reason
	if !t.terminated.CompareAndSwap(nil, &r) {
		return
	}

	t.mu.Lock()
	children := make([]*Transaction, 0, len(t.inner))
	for _, c := range t.inner {
		children = append(children, c)
	}
	t.mu.Unlock()

	// Termination is pushed down, never pulled: inner handles learn about
	// it without any action from their owners.
	for _, c := range children {
		c.MarkForTermination(reason)
	}
}

// HasInnerTransactions reports whether any inner transaction is still open.
func (t *Transaction) HasInnerTransactions() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inner) > 0
}

func (t *Transaction) registerInner(child *Transaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return ErrTransactionClosed
	}
	t.inner[child.id] = child
	return nil
}

func (t *Transaction) deregisterInner(child *Transaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inner, child.id)
}

// OnClose registers a hook that runs exactly once when the transaction
// closes, before the transaction is deregistered from its outer handle. The
// query layer uses this to fold a closing scope's statistics into the
// executing-query record without leaving a window where they are counted
// nowhere.
func (t *Transaction) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHooks = append(t.closeHooks, fn)
}

// AcquireStatement returns the transaction's statement, creating one if the
// previous statement was released.
func (t *Transaction) AcquireStatement() *Statement {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statement == nil || !t.statement.IsOpen() {
		t.statement = newStatement(t)
	}
	return t.statement
}

// MemoryTracker returns the transaction's heap tracker.
func (t *Transaction) MemoryTracker() *memory.Tracker { return t.tracker }

// ExecutionStatistics returns the engine transaction's page-cache counters.
// The counters keep their final values after the transaction closes.
func (t *Transaction) ExecutionStatistics() storage.ExecutionStatistics {
	return t.engineTx.Stats()
}

// ActiveLockCount returns the number of locks the transaction holds right
// now. Zero once the transaction has closed.
func (t *Transaction) ActiveLockCount() int64 {
	return t.engineTx.ActiveLockCount()
}

// checkOpen fails when the transaction is terminated or closed. Termination
// wins so in-flight work surfaces the termination rather than a generic
// closed error.
func (t *Transaction) checkOpen() error {
	if reason, ok := t.TerminationReason(); ok {
		return fmt.Errorf("transaction terminated (%s): %w", reason, ErrTransactionTerminated)
	}
	t.mu.Lock()
	open := t.open
	t.mu.Unlock()
	if !open {
		return ErrTransactionClosed
	}
	return nil
}

// CreateNode writes a node through the transaction.
func (t *Transaction) CreateNode(node *storage.Node) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.engineTx.PutNode(node)
}

// GetNode reads a node through the transaction.
func (t *Transaction) GetNode(id storage.NodeID) (*storage.Node, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.engineTx.GetNode(id)
}

// AllNodes scans every node visible to the transaction.
func (t *Transaction) AllNodes() ([]*storage.Node, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.engineTx.AllNodes()
}

// FindNodes returns the nodes carrying the given label.
func (t *Transaction) FindNodes(label string) ([]*storage.Node, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.engineTx.FindNodes(label)
}

// LockNode takes an exclusive lock on the node for the rest of the
// transaction. Locks release when the transaction closes.
func (t *Transaction) LockNode(id storage.NodeID) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.engineTx.LockNode(id)
	return nil
}

// DeleteNode deletes a node, taking its lock for the rest of the transaction.
func (t *Transaction) DeleteNode(id storage.NodeID) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.engineTx.DeleteNode(id)
}

// CreateEdge writes an edge through the transaction.
func (t *Transaction) CreateEdge(edge *storage.Edge) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.engineTx.PutEdge(edge)
}

// SetMetaData merges metadata into the transaction, Neo4j style: keys
// override, the total character count is capped. Metadata is scoped strictly
// to this handle; an inner transaction's metadata never leaks into the
// outer's.
func (t *Transaction) SetMetaData(metadata map[string]any) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	merged := make(map[string]any, len(t.metadata)+len(metadata))
	for k, v := range t.metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}

	limit := t.kernel.cfg.Transaction.MetadataLimit
	total := 0
	for k, v := range merged {
		total += len(k)
		if v != nil {
			total += len(fmt.Sprint(v))
		}
	}
	if total > limit {
		return fmt.Errorf("transaction metadata too large: %d chars (max %d)", total, limit)
	}

	t.metadata = merged
	return nil
}

// GetMetaData returns a copy of the transaction's metadata.
func (t *Transaction) GetMetaData() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make(map[string]any, len(t.metadata))
	for k, v := range t.metadata {
		result[k] = v
	}
	return result
}

// Commit persists the unit of work and closes the transaction.
//
// It fails with ErrTransactionFailure while any inner transaction is open,
// leaving the transaction itself open. Committing with a statement that is
// still referenced by a live context also fails with ErrTransactionFailure;
// in that case the statement's resources are released and the transaction is
// rolled back. Committing a terminated transaction rolls back and fails with
// ErrTransactionTerminated.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return ErrTransactionClosed
	}
	if reason := t.terminated.Load(); reason != nil {
		t.mu.Unlock()
		t.Close()
		return fmt.Errorf("transaction terminated (%s): %w", *reason, ErrTransactionTerminated)
	}
	if len(t.inner) > 0 {
		t.mu.Unlock()
		return fmt.Errorf("transaction cannot be committed when it has open inner transactions: %w", ErrTransactionFailure)
	}
	if t.statement != nil && t.statement.IsOpen() {
		t.mu.Unlock()
		t.Close()
		return fmt.Errorf("transaction committed with an open statement: %w", ErrTransactionFailure)
	}
	t.mu.Unlock()
	return t.shutdown(true)
}

// Rollback discards the unit of work, force-closing any open inner
// transactions first.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return ErrTransactionClosed
	}
	t.mu.Unlock()
	return t.shutdown(false)
}

// Close releases the transaction if it is still open. Closing an already
// committed or rolled-back transaction is a no-op.
func (t *Transaction) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.shutdown(false)
}

// shutdown runs the close sequence: cascade to open inner transactions,
// run close hooks (statistics folding), release the statement, finish the
// engine transaction, then deregister. Hook execution happens before
// deregistration from the outer's inner set so a concurrent snapshot never
// observes a scope that is counted neither live nor folded.
func (t *Transaction) shutdown(commit bool) error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return ErrTransactionClosed
	}
	t.open = false
	children := make([]*Transaction, 0, len(t.inner))
	for _, c := range t.inner {
		children = append(children, c)
	}
	hooks := t.closeHooks
	t.closeHooks = nil
	statement := t.statement
	t.mu.Unlock()

	for _, c := range children {
		c.Close()
	}

	for _, hook := range hooks {
		hook()
	}

	var firstErr error
	if statement != nil {
		if err := statement.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var engErr error
	if commit {
		engErr = t.engineTx.Commit()
	} else {
		engErr = t.engineTx.Rollback()
	}
	if engErr != nil && engErr != storage.ErrTxClosed && firstErr == nil {
		firstErr = engErr
	}

	t.mu.Lock()
	if commit {
		t.committed = true
	} else {
		t.rolledBack = true
	}
	t.mu.Unlock()

	if t.outer != nil {
		t.outer.deregisterInner(t)
	}
	t.kernel.deregister(t)
	return firstErr
}
