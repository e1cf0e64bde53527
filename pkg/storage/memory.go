// Package storage - In-memory engine with buffered transactions.
//
// MemoryEngine keeps the whole graph in maps guarded by an RWMutex. Engine
// transactions buffer their writes and apply them on commit, so changes are
// invisible to other transactions until then.
//
// The engine also models a page cache: a set of record ids that are
// "resident". Every record visit inside a transaction is counted as a page
// hit when resident and a page fault otherwise, and a fault makes the record
// resident. The counters feed the kernel's execution statistics.
package storage

import (
	"sync"
	"sync/atomic"
	"time"
)

type txStatus int

const (
	txActive txStatus = iota
	txCommitted
	txRolledBack
)

// MemoryEngine is a thread-safe in-memory storage engine.
type MemoryEngine struct {
	mu     sync.RWMutex
	nodes  map[NodeID]*Node
	edges  map[EdgeID]*Edge
	cache  map[string]struct{} // resident record ids, shared by all transactions
	closed bool
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes: make(map[NodeID]*Node),
		edges: make(map[EdgeID]*Edge),
		cache: make(map[string]struct{}),
	}
}

// BeginTx starts a new buffered transaction.
func (e *MemoryEngine) BeginTx() (EngineTx, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, ErrStorageClosed
	}

	return &MemoryTx{
		engine:       e,
		pendingNodes: make(map[NodeID]*Node),
		pendingEdges: make(map[EdgeID]*Edge),
		deletedNodes: make(map[NodeID]struct{}),
		deletedEdges: make(map[EdgeID]struct{}),
		locks:        make(map[NodeID]struct{}),
	}, nil
}

// Close releases the engine. Open transactions fail on their next operation.
func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.nodes = nil
	e.edges = nil
	e.cache = nil
	return nil
}

// touch records a page-cache visit for the given record id and reports
// whether it was a hit. A miss makes the record resident.
func (e *MemoryEngine) touch(key string) bool {
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

// MemoryTx buffers operations against a MemoryEngine until commit.
type MemoryTx struct {
	mu     sync.Mutex
	engine *MemoryEngine
	status txStatus

	pendingNodes map[NodeID]*Node
	pendingEdges map[EdgeID]*Edge
	deletedNodes map[NodeID]struct{}
	deletedEdges map[EdgeID]struct{}

	locks map[NodeID]struct{}

	// Read concurrently by snapshot builders, hence atomic.
	hits      atomic.Int64
	faults    atomic.Int64
	lockCount atomic.Int64
}

func (tx *MemoryTx) visit(key string) {
	if tx.engine.touch(key) {
		tx.hits.Add(1)
	} else {
		tx.faults.Add(1)
	}
}

// GetNode retrieves a node, checking pending changes first (read-your-writes).
func (tx *MemoryTx) GetNode(id NodeID) (*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != txActive {
		return nil, ErrTxClosed
	}
	if _, deleted := tx.deletedNodes[id]; deleted {
		return nil, ErrNotFound
	}
	if pending, ok := tx.pendingNodes[id]; ok {
		return copyNode(pending), nil
	}

	tx.engine.mu.RLock()
	node, ok := tx.engine.nodes[id]
	tx.engine.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	tx.visit("n:" + string(id))
	return copyNode(node), nil
}

// PutNode buffers a node create-or-update.
func (tx *MemoryTx) PutNode(node *Node) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != txActive {
		return ErrTxClosed
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	node.UpdatedAt = time.Now()
	tx.pendingNodes[node.ID] = copyNode(node)
	delete(tx.deletedNodes, node.ID)
	return nil
}

// DeleteNode takes the node's lock and buffers its deletion.
func (tx *MemoryTx) DeleteNode(id NodeID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != txActive {
		return ErrTxClosed
	}
	if _, ok := tx.pendingNodes[id]; !ok {
		tx.engine.mu.RLock()
		_, exists := tx.engine.nodes[id]
		tx.engine.mu.RUnlock()
		if !exists {
			return ErrNotFound
		}
		tx.visit("n:" + string(id))
	}
	tx.lockLocked(id)
	delete(tx.pendingNodes, id)
	tx.deletedNodes[id] = struct{}{}
	return nil
}

// GetEdge retrieves an edge, checking pending changes first.
func (tx *MemoryTx) GetEdge(id EdgeID) (*Edge, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != txActive {
		return nil, ErrTxClosed
	}
	if _, deleted := tx.deletedEdges[id]; deleted {
		return nil, ErrNotFound
	}
	if pending, ok := tx.pendingEdges[id]; ok {
		return copyEdge(pending), nil
	}

	tx.engine.mu.RLock()
	edge, ok := tx.engine.edges[id]
	tx.engine.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	tx.visit("e:" + string(id))
	return copyEdge(edge), nil
}

// PutEdge buffers an edge create-or-update. Both endpoints must be visible.
func (tx *MemoryTx) PutEdge(edge *Edge) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != txActive {
		return ErrTxClosed
	}
	if !tx.nodeVisible(edge.StartNode) || !tx.nodeVisible(edge.EndNode) {
		return ErrInvalidEdge
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
	edge.UpdatedAt = time.Now()
	tx.pendingEdges[edge.ID] = copyEdge(edge)
	delete(tx.deletedEdges, edge.ID)
	return nil
}

// nodeVisible reports whether a node exists in pending or storage.
// Must be called with tx.mu held.
func (tx *MemoryTx) nodeVisible(id NodeID) bool {
	if _, deleted := tx.deletedNodes[id]; deleted {
		return false
	}
	if _, ok := tx.pendingNodes[id]; ok {
		return true
	}
	tx.engine.mu.RLock()
	_, ok := tx.engine.nodes[id]
	tx.engine.mu.RUnlock()
	return ok
}

// AllNodes returns every visible node, counting a page visit per stored record.
func (tx *MemoryTx) AllNodes() ([]*Node, error) {
	return tx.scan(func(*Node) bool { return true })
}

// FindNodes returns all visible nodes carrying the given label.
func (tx *MemoryTx) FindNodes(label string) ([]*Node, error) {
	return tx.scan(func(n *Node) bool { return nodeHasLabel(n, label) })
}

func (tx *MemoryTx) scan(match func(*Node) bool) ([]*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != txActive {
		return nil, ErrTxClosed
	}

	tx.engine.mu.RLock()
	stored := make([]*Node, 0, len(tx.engine.nodes))
	for _, n := range tx.engine.nodes {
		stored = append(stored, n)
	}
	tx.engine.mu.RUnlock()

	var result []*Node
	for _, n := range stored {
		if _, deleted := tx.deletedNodes[n.ID]; deleted {
			continue
		}
		if _, shadowed := tx.pendingNodes[n.ID]; shadowed {
			continue
		}
		tx.visit("n:" + string(n.ID))
		if match(n) {
			result = append(result, copyNode(n))
		}
	}
	for _, n := range tx.pendingNodes {
		if match(n) {
			result = append(result, copyNode(n))
		}
	}
	return result, nil
}

// LockNode takes an exclusive lock on the node for the rest of the transaction.
func (tx *MemoryTx) LockNode(id NodeID) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != txActive {
		return
	}
	tx.lockLocked(id)
}

// lockLocked must be called with tx.mu held.
func (tx *MemoryTx) lockLocked(id NodeID) {
	if _, held := tx.locks[id]; held {
		return
	}
	tx.locks[id] = struct{}{}
	tx.lockCount.Add(1)
}

// Stats returns the transaction's page-cache counters. Safe to call after
// the transaction has closed; the counters retain their final values.
func (tx *MemoryTx) Stats() ExecutionStatistics {
	return ExecutionStatistics{
		PageHits:   tx.hits.Load(),
		PageFaults: tx.faults.Load(),
	}
}

// ActiveLockCount returns the number of locks currently held.
func (tx *MemoryTx) ActiveLockCount() int64 {
	return tx.lockCount.Load()
}

// Commit applies all buffered operations to the engine atomically and
// releases the transaction's locks.
func (tx *MemoryTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != txActive {
		return ErrTxClosed
	}

	tx.engine.mu.Lock()
	if tx.engine.closed {
		tx.engine.mu.Unlock()
		return ErrStorageClosed
	}
	for id := range tx.deletedNodes {
		delete(tx.engine.nodes, id)
	}
	for id := range tx.deletedEdges {
		delete(tx.engine.edges, id)
	}
	for id, n := range tx.pendingNodes {
		tx.engine.nodes[id] = n
	}
	for id, e := range tx.pendingEdges {
		tx.engine.edges[id] = e
	}
	tx.engine.mu.Unlock()

	tx.releaseLocked(txCommitted)
	return nil
}

// Rollback discards all buffered operations and releases locks.
func (tx *MemoryTx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != txActive {
		return ErrTxClosed
	}
	tx.releaseLocked(txRolledBack)
	return nil
}

// releaseLocked must be called with tx.mu held.
func (tx *MemoryTx) releaseLocked(final txStatus) {
	tx.status = final
	tx.pendingNodes = nil
	tx.pendingEdges = nil
	tx.deletedNodes = nil
	tx.deletedEdges = nil
	tx.locks = nil
	tx.lockCount.Store(0)
}
