// Package procedure provides MuninnDB's built-in procedure registry.
//
// Procedures are invoked with whichever transaction handle is currently
// active in the calling context: a procedure called from an inner context
// runs against the inner transaction, so state it sets (like transaction
// metadata) stays scoped to that handle.
package procedure

import (
	"errors"
	"fmt"
	"sync"

	"github.com/orneryd/muninndb/pkg/kernel"
	"github.com/orneryd/muninndb/pkg/query"
)

var (
	ErrProcedureNotFound = errors.New("procedure not found")
	ErrProcedureExists   = errors.New("procedure already registered")
	ErrInvalidArguments  = errors.New("invalid procedure arguments")
)

// Row is one result row of a procedure call.
type Row map[string]any

// CallContext carries what a procedure may touch: the calling transaction
// handle, the kernel, and the query bindings for the listing procedures.
type CallContext struct {
	Tx      *kernel.Transaction
	Kernel  *kernel.Kernel
	Queries *query.ContextFactory
}

// Handler executes one procedure call.
type Handler func(ctx *CallContext, args []any) ([]Row, error)

// Registry maps qualified procedure names to handlers.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Handler
}

// NewRegistry creates a registry with the built-in procedures installed.
func NewRegistry() *Registry {
	r := &Registry{procs: make(map[string]Handler)}
	registerBuiltins(r)
	return r
}

// Register adds a procedure under its qualified name, e.g. "tx.setMetaData".
func (r *Registry) Register(name string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[name]; exists {
		return fmt.Errorf("%q: %w", name, ErrProcedureExists)
	}
	r.procs[name] = handler
	return nil
}

// Call dispatches a procedure by qualified name.
func (r *Registry) Call(name string, ctx *CallContext, args ...any) ([]Row, error) {
	r.mu.RLock()
	handler, ok := r.procs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrProcedureNotFound)
	}
	return handler(ctx, args)
}
