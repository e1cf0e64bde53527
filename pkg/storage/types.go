// Package storage provides the storage engine interface and implementations
// for MuninnDB.
//
// The storage layer exposes engine-level transactions that the kernel wraps
// with its own transaction handles. Every engine transaction keeps its own
// page-cache hit/fault counters and lock table, which the query layer reads
// through the statistics capability interface.
//
// Design Principles:
//   - Property graph model (labeled property graph)
//   - Thread-safe implementations
//   - Per-transaction execution statistics, readable at any time
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	tx, _ := engine.BeginTx()
//	tx.PutNode(&storage.Node{
//		ID:     storage.NodeID("user-123"),
//		Labels: []string{"User"},
//		Properties: map[string]any{"name": "Alice"},
//	})
//	tx.Commit()
package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidEdge   = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed = errors.New("storage closed")
	ErrTxClosed      = errors.New("engine transaction already closed")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges (relationships).
type EdgeID string

// Node represents a graph node (vertex) in the labeled property graph.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at,omitempty"`
}

// Edge represents a directed relationship between two nodes.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"start_node"`
	EndNode    NodeID         `json:"end_node"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at,omitempty"`
}

// ExecutionStatistics is a point-in-time view of one engine transaction's
// page-cache activity. Counters are monotonic for the lifetime of the
// transaction and stay readable after it closes.
type ExecutionStatistics struct {
	PageHits   int64
	PageFaults int64
}

// Engine is the minimal storage interface the transaction kernel builds on.
type Engine interface {
	// BeginTx starts a new engine-level transaction.
	BeginTx() (EngineTx, error)

	// Close releases all engine resources.
	Close() error
}

// EngineTx is one engine-level unit of work.
//
// Reads are counted against a simulated page cache shared by all
// transactions of the engine: a read of a resident record is a page hit, a
// read of a non-resident record is a page fault and makes the record
// resident. Locks are held per transaction and released when the
// transaction commits or rolls back.
type EngineTx interface {
	GetNode(id NodeID) (*Node, error)
	PutNode(node *Node) error
	DeleteNode(id NodeID) error
	GetEdge(id EdgeID) (*Edge, error)
	PutEdge(edge *Edge) error

	// AllNodes returns every visible node, counting a hit or fault per record.
	AllNodes() ([]*Node, error)

	// FindNodes returns all visible nodes carrying the given label.
	FindNodes(label string) ([]*Node, error)

	// LockNode takes an exclusive lock on the node for the remainder of the
	// transaction. Taking the same lock twice is a no-op.
	LockNode(id NodeID)

	// Stats returns the transaction's page-cache counters.
	Stats() ExecutionStatistics

	// ActiveLockCount returns the number of locks currently held. Zero once
	// the transaction has closed.
	ActiveLockCount() int64

	Commit() error
	Rollback() error
}

// copyNode creates a deep copy of a node.
func copyNode(node *Node) *Node {
	if node == nil {
		return nil
	}

	nodeCopy := &Node{
		ID:        node.ID,
		Labels:    append([]string(nil), node.Labels...),
		CreatedAt: node.CreatedAt,
		UpdatedAt: node.UpdatedAt,
	}
	if node.Properties != nil {
		nodeCopy.Properties = make(map[string]any, len(node.Properties))
		for k, v := range node.Properties {
			nodeCopy.Properties[k] = v
		}
	}
	return nodeCopy
}

// copyEdge creates a deep copy of an edge.
func copyEdge(edge *Edge) *Edge {
	if edge == nil {
		return nil
	}

	edgeCopy := &Edge{
		ID:        edge.ID,
		StartNode: edge.StartNode,
		EndNode:   edge.EndNode,
		Type:      edge.Type,
		CreatedAt: edge.CreatedAt,
		UpdatedAt: edge.UpdatedAt,
	}
	if edge.Properties != nil {
		edgeCopy.Properties = make(map[string]any, len(edge.Properties))
		for k, v := range edge.Properties {
			edgeCopy.Properties[k] = v
		}
	}
	return edgeCopy
}

func nodeHasLabel(node *Node, label string) bool {
	for _, l := range node.Labels {
		if l == label {
			return true
		}
	}
	return false
}
