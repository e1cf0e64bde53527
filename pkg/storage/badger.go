// Package storage - BadgerDB engine.
//
// BadgerEngine provides persistent disk-based storage using BadgerDB. Engine
// transactions wrap Badger's native transactions, adding the same page-cache
// accounting and lock table as MemoryTx so the kernel sees identical
// execution statistics regardless of the engine in use.
//
// Key Structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
package storage

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
const (
	prefixNode = byte(0x01)
	prefixEdge = byte(0x02)
)

// BadgerEngine provides persistent storage using BadgerDB.
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.Mutex
	cache  map[string]struct{}
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files. Ignored when InMemory.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool
}

// NewBadgerEngine opens a persistent engine at dataDir with default options.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions opens a BadgerDB engine with explicit options.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	if opts.InMemory {
		badgerOpts.Dir = ""
		badgerOpts.ValueDir = ""
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}
	return &BadgerEngine{
		db:    db,
		cache: make(map[string]struct{}),
	}, nil
}

// BeginTx starts a read-write Badger transaction.
func (e *BadgerEngine) BeginTx() (EngineTx, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrStorageClosed
	}
	return &BadgerTx{
		engine:   e,
		badgerTx: e.db.NewTransaction(true),
		locks:    make(map[NodeID]struct{}),
	}, nil
}

// Close shuts the underlying Badger database down.
func (e *BadgerEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.cache = nil
	return e.db.Close()
}

func (e *BadgerEngine) touch(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache == nil {
		return false
	}
	if _, ok := e.cache[key]; ok {
		return true
	}
	e.cache[key] = struct{}{}
	return false
}

// BadgerTx wraps Badger's native transaction with page-cache accounting and
// a per-transaction lock table.
type BadgerTx struct {
	mu       sync.Mutex
	engine   *BadgerEngine
	badgerTx *badger.Txn
	closed   bool

	locks     map[NodeID]struct{}
	hits      atomic.Int64
	faults    atomic.Int64
	lockCount atomic.Int64
}

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, id...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, id...)
}

func (tx *BadgerTx) visit(key string) {
	if tx.engine.touch(key) {
		tx.hits.Add(1)
	} else {
		tx.faults.Add(1)
	}
}

// GetNode reads a node from the transaction's snapshot.
func (tx *BadgerTx) GetNode(id NodeID) (*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, ErrTxClosed
	}

	item, err := tx.badgerTx.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading node %s: %w", id, err)
	}
	tx.visit("n:" + string(id))

	var node Node
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &node)
	}); err != nil {
		return nil, fmt.Errorf("decoding node %s: %w", id, err)
	}
	return &node, nil
}

// PutNode writes a node into the transaction.
func (tx *BadgerTx) PutNode(node *Node) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTxClosed
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	node.UpdatedAt = time.Now()

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encoding node %s: %w", node.ID, err)
	}
	if err := tx.badgerTx.Set(nodeKey(node.ID), data); err != nil {
		return fmt.Errorf("writing node %s: %w", node.ID, err)
	}
	return nil
}

// DeleteNode takes the node's lock and deletes it within the transaction.
func (tx *BadgerTx) DeleteNode(id NodeID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTxClosed
	}

	if _, err := tx.badgerTx.Get(nodeKey(id)); err == badger.ErrKeyNotFound {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("reading node %s: %w", id, err)
	}
	tx.visit("n:" + string(id))
	tx.lockLocked(id)

	if err := tx.badgerTx.Delete(nodeKey(id)); err != nil {
		return fmt.Errorf("deleting node %s: %w", id, err)
	}
	return nil
}

// GetEdge reads an edge from the transaction's snapshot.
func (tx *BadgerTx) GetEdge(id EdgeID) (*Edge, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, ErrTxClosed
	}

	item, err := tx.badgerTx.Get(edgeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading edge %s: %w", id, err)
	}
	tx.visit("e:" + string(id))

	var edge Edge
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &edge)
	}); err != nil {
		return nil, fmt.Errorf("decoding edge %s: %w", id, err)
	}
	return &edge, nil
}

// PutEdge writes an edge into the transaction.
func (tx *BadgerTx) PutEdge(edge *Edge) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTxClosed
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
	edge.UpdatedAt = time.Now()

	data, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("encoding edge %s: %w", edge.ID, err)
	}
	if err := tx.badgerTx.Set(edgeKey(edge.ID), data); err != nil {
		return fmt.Errorf("writing edge %s: %w", edge.ID, err)
	}
	return nil
}

// AllNodes iterates every node, counting a page visit per record.
func (tx *BadgerTx) AllNodes() ([]*Node, error) {
	return tx.scan(func(*Node) bool { return true })
}

// FindNodes returns all nodes carrying the given label.
func (tx *BadgerTx) FindNodes(label string) ([]*Node, error) {
	return tx.scan(func(n *Node) bool { return nodeHasLabel(n, label) })
}

func (tx *BadgerTx) scan(match func(*Node) bool) ([]*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, ErrTxClosed
	}

	var result []*Node
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefixNode}
	it := tx.badgerTx.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		id := string(item.Key()[1:])
		tx.visit("n:" + id)

		var node Node
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		}); err != nil {
			return nil, fmt.Errorf("decoding node %s: %w", id, err)
		}
		if match(&node) {
			result = append(result, &node)
		}
	}
	return result, nil
}

// LockNode takes an exclusive lock on the node for the rest of the transaction.
func (tx *BadgerTx) LockNode(id NodeID) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return
	}
	tx.lockLocked(id)
}

// lockLocked must be called with tx.mu held.
func (tx *BadgerTx) lockLocked(id NodeID) {
	if _, held := tx.locks[id]; held {
		return
	}
	tx.locks[id] = struct{}{}
	tx.lockCount.Add(1)
}

// Stats returns the transaction's page-cache counters.
func (tx *BadgerTx) Stats() ExecutionStatistics {
	return ExecutionStatistics{
		PageHits:   tx.hits.Load(),
		PageFaults: tx.faults.Load(),
	}
}

// ActiveLockCount returns the number of locks currently held.
func (tx *BadgerTx) ActiveLockCount() int64 {
	return tx.lockCount.Load()
}

// Commit commits the underlying Badger transaction and releases locks.
func (tx *BadgerTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTxClosed
	}
	if err := tx.badgerTx.Commit(); err != nil {
		return fmt.Errorf("committing badger transaction: %w", err)
	}
	tx.releaseLocked()
	return nil
}

// Rollback discards the underlying Badger transaction and releases locks.
func (tx *BadgerTx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTxClosed
	}
	tx.badgerTx.Discard()
	tx.releaseLocked()
	return nil
}

// releaseLocked must be called with tx.mu held.
func (tx *BadgerTx) releaseLocked() {
	tx.closed = true
	tx.locks = nil
	tx.lockCount.Store(0)
}
