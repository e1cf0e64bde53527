// Package kernel implements MuninnDB's transaction kernel.
//
// A Transaction is one logical unit of work on top of an engine-level
// transaction. Transactions may nest: an implicit transaction can carry any
// number of inner transactions, registered on the outer handle, with
// termination cascading from outer to inner and never the other way.
//
// The kernel tracks every live transaction so the timeout monitor can mark
// expired ones for termination and so built-in procedures can list them.
package kernel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/muninndb/pkg/auth"
	"github.com/orneryd/muninndb/pkg/config"
	"github.com/orneryd/muninndb/pkg/storage"
)

// Transaction errors
var (
	ErrTransactionTerminated = errors.New("transaction terminated")
	ErrTransactionFailure    = errors.New("transaction failure")
	ErrTransactionClosed     = errors.New("transaction already closed")
	ErrKernelStopped         = errors.New("kernel stopped")
)

// defaultDatabase is the name transactions report until multi-database
// support lands.
const defaultDatabase = "muninn"

// Kernel begins transactions and owns the shared transaction machinery: the
// live-transaction registry and the timeout monitor.
type Kernel struct {
	engine    storage.Engine
	cfg       *config.Config
	authority *auth.Authority
	database  string

	mu      sync.Mutex
	live    map[uint64]*Transaction
	stopped bool

	nextTxID atomic.Uint64
	monitor  *timeoutMonitor
}

// New creates a Kernel over the given engine and starts its timeout monitor.
// A nil authority disables authentication.
func New(engine storage.Engine, cfg *config.Config, authority *auth.Authority) *Kernel {
	if cfg == nil {
		cfg = config.Default()
	}
	if authority == nil {
		authority = auth.NewAuthority(false)
	}
	k := &Kernel{
		engine:    engine,
		cfg:       cfg,
		authority: authority,
		database:  defaultDatabase,
		live:      make(map[uint64]*Transaction),
	}
	k.monitor = newTimeoutMonitor(k, cfg.Transaction.MonitorInterval)
	k.monitor.start()
	return k
}

// DatabaseName returns the name transactions of this kernel run against.
func (k *Kernel) DatabaseName() string {
	return k.database
}

// Begin starts a transaction with the kernel's default timeout.
func (k *Kernel) Begin(txType Type, login auth.LoginContext) (*Transaction, error) {
	return k.BeginWithTimeout(txType, login, k.cfg.Transaction.Timeout)
}

// BeginWithTimeout starts a transaction with an explicit timeout. A zero
// timeout disables termination by the monitor.
func (k *Kernel) BeginWithTimeout(txType Type, login auth.LoginContext, timeout time.Duration) (*Transaction, error) {
	if k.authority.Enabled() && !login.Valid() {
		return nil, fmt.Errorf("beginning transaction: %w", auth.ErrInvalidAuthContext)
	}
	return k.begin(txType, login, timeout, nil)
}

// BeginNested starts an implicit transaction registered as an inner
// transaction of parent. The child inherits the parent's login and timeout.
// Fails fast when the parent is explicit or already marked for termination.
func (k *Kernel) BeginNested(parent *Transaction) (*Transaction, error) {
	if parent.Type() == Explicit {
		return nil, fmt.Errorf("explicit transaction cannot have inner transactions: %w", ErrTransactionFailure)
	}
	if reason, ok := parent.TerminationReason(); ok {
		return nil, fmt.Errorf("transaction terminated (%s): %w", reason, ErrTransactionTerminated)
	}
	child, err := k.begin(Implicit, parent.login, parent.timeout, parent)
	if err != nil {
		return nil, err
	}
	if err := parent.registerInner(child); err != nil {
		child.Close()
		return nil, err
	}
	return child, nil
}

// BeginReplacement starts a transaction taking over from prev: same type,
// login, timeout, and outer registration. Used by commit-and-restart, where
// the logical context survives but the handle is replaced.
func (k *Kernel) BeginReplacement(prev *Transaction) (*Transaction, error) {
	if prev.outer != nil {
		return k.BeginNested(prev.outer)
	}
	return k.begin(prev.txType, prev.login, prev.timeout, nil)
}

func (k *Kernel) begin(txType Type, login auth.LoginContext, timeout time.Duration, outer *Transaction) (*Transaction, error) {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return nil, ErrKernelStopped
	}
	k.mu.Unlock()

	engineTx, err := k.engine.BeginTx()
	if err != nil {
		return nil, fmt.Errorf("beginning engine transaction: %w", err)
	}

	tx := newTransaction(k, k.nextTxID.Add(1), txType, login, timeout, engineTx, outer)

	k.mu.Lock()
	k.live[tx.ID()] = tx
	k.mu.Unlock()
	return tx, nil
}

// LiveTransactions returns every transaction that has not closed yet.
func (k *Kernel) LiveTransactions() []*Transaction {
	k.mu.Lock()
	defer k.mu.Unlock()
	txs := make([]*Transaction, 0, len(k.live))
	for _, tx := range k.live {
		txs = append(txs, tx)
	}
	return txs
}

func (k *Kernel) deregister(tx *Transaction) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.live, tx.ID())
}

// Stop shuts the timeout monitor down. Live transactions are left to their
// owners; Begin fails afterwards.
func (k *Kernel) Stop() {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return
	}
	k.stopped = true
	k.mu.Unlock()
	k.monitor.stop()
}
