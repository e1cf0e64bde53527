// Package kernel - Statement and its closeable resources.
package kernel

import (
	"fmt"
	"io"
	"sync"
)

// Statement is one query-execution scope within a transaction. Resources
// registered on a statement are owned by it and released exactly once when
// it closes, independently of any sibling or ancestor statement.
type Statement struct {
	mu        sync.Mutex
	tx        *Transaction
	resources []io.Closer
	open      bool
}

func newStatement(tx *Transaction) *Statement {
	return &Statement{tx: tx, open: true}
}

// IsOpen reports whether the statement has not been closed yet.
func (s *Statement) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// RegisterCloseableResource adds a resource that will be closed when the
// statement closes. Registration on a closed statement closes the resource
// immediately.
func (s *Statement) RegisterCloseableResource(resource io.Closer) {
	s.mu.Lock()
	if s.open {
		s.resources = append(s.resources, resource)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	resource.Close()
}

// ActiveLockCount returns the lock count of the owning transaction.
func (s *Statement) ActiveLockCount() int64 {
	return s.tx.ActiveLockCount()
}

// Close releases every registered resource exactly once. Each release is
// attempted independently; the first error is returned after all releases
// were attempted. A second Close is a no-op.
func (s *Statement) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	resources := s.resources
	s.resources = nil
	s.mu.Unlock()

	var firstErr error
	for _, r := range resources {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing statement resource: %w", err)
		}
	}
	return firstErr
}
