package procedure

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninndb/pkg/auth"
	"github.com/orneryd/muninndb/pkg/kernel"
	"github.com/orneryd/muninndb/pkg/query"
	"github.com/orneryd/muninndb/pkg/storage"
)

type fixture struct {
	kernel   *kernel.Kernel
	factory  *query.ContextFactory
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })
	k := kernel.New(engine, nil, nil)
	t.Cleanup(k.Stop)
	return &fixture{
		kernel:   k,
		factory:  query.NewContextFactory(k),
		registry: NewRegistry(),
	}
}

func (f *fixture) callCtx(tx *kernel.Transaction) *CallContext {
	return &CallContext{Tx: tx, Kernel: f.kernel, Queries: f.factory}
}

func beginContext(t *testing.T, f *fixture, text string) *query.TransactionalContext {
	t.Helper()
	tx, err := f.kernel.Begin(kernel.Implicit, auth.AuthDisabled)
	require.NoError(t, err)
	ctx := f.factory.NewContext(tx, text)
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func TestRegistry(t *testing.T) {
	t.Run("unknown procedure", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.registry.Call("dbms.doesNotExist", f.callCtx(nil))
		assert.ErrorIs(t, err, ErrProcedureNotFound)
	})

	t.Run("duplicate registration", func(t *testing.T) {
		f := newFixture(t)
		err := f.registry.Register("tx.setMetaData", func(*CallContext, []any) ([]Row, error) {
			return nil, nil
		})
		assert.ErrorIs(t, err, ErrProcedureExists)
	})

	t.Run("custom procedure dispatches", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.registry.Register("test.echo", func(ctx *CallContext, args []any) ([]Row, error) {
			return []Row{{"value": args[0]}}, nil
		}))

		rows, err := f.registry.Call("test.echo", f.callCtx(nil), "hello")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "hello", rows[0]["value"])
	})
}

func TestSetMetaDataProcedure(t *testing.T) {
	t.Run("sets metadata on the calling handle", func(t *testing.T) {
		f := newFixture(t)
		ctx := beginContext(t, f, "CALL tx.setMetaData($meta)")

		_, err := f.registry.Call("tx.setMetaData", f.callCtx(ctx.Transaction()),
			map[string]any{"app": "importer"})
		require.NoError(t, err)
		assert.Equal(t, "importer", ctx.Transaction().GetMetaData()["app"])
	})

	t.Run("called in an inner context it stays on the inner handle", func(t *testing.T) {
		f := newFixture(t)
		outer := beginContext(t, f, "CALL tx.setMetaData($meta)")
		inner, err := outer.ContextWithNewTransaction()
		require.NoError(t, err)
		defer inner.Close()

		_, err = f.registry.Call("tx.setMetaData", f.callCtx(inner.Transaction()),
			map[string]any{"scope": "inner"})
		require.NoError(t, err)

		assert.Equal(t, "inner", inner.Transaction().GetMetaData()["scope"])
		assert.Empty(t, outer.Transaction().GetMetaData(), "inner metadata must not leak outward")
	})

	t.Run("argument validation", func(t *testing.T) {
		f := newFixture(t)
		ctx := beginContext(t, f, "CALL tx.setMetaData()")

		_, err := f.registry.Call("tx.setMetaData", f.callCtx(ctx.Transaction()))
		assert.ErrorIs(t, err, ErrInvalidArguments)

		_, err = f.registry.Call("tx.setMetaData", f.callCtx(ctx.Transaction()), "not-a-map")
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})
}

func TestListTransactionsProcedure(t *testing.T) {
	f := newFixture(t)
	outer := beginContext(t, f, "MATCH (n) RETURN n")
	inner, err := outer.ContextWithNewTransaction()
	require.NoError(t, err)
	defer inner.Close()

	t.Run("query text hidden before obfuscator ready", func(t *testing.T) {
		rows, err := f.registry.Call("dbms.listTransactions", f.callCtx(outer.Transaction()))
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "", rows[0]["currentQuery"])
		assert.Equal(t, "", rows[0]["currentQueryId"])
	})

	outer.ExecutingQuery().OnObfuscatorReady(query.PassthroughObfuscator)

	t.Run("one row per live transaction", func(t *testing.T) {
		rows, err := f.registry.Call("dbms.listTransactions", f.callCtx(outer.Transaction()))
		require.NoError(t, err)
		require.Len(t, rows, 2)

		outerRow, innerRow := rows[0], rows[1]
		assert.Equal(t, TransactionIDString(outer.Transaction()), outerRow["transactionId"])
		assert.Equal(t, "", outerRow["outerTransactionId"])
		assert.Equal(t, "muninn", outerRow["database"])

		assert.Equal(t, TransactionIDString(inner.Transaction()), innerRow["transactionId"])
		assert.Equal(t, TransactionIDString(outer.Transaction()), innerRow["outerTransactionId"],
			"inner transactions report their outer")

		// Both scopes execute the same query.
		assert.Equal(t, "MATCH (n) RETURN n", outerRow["currentQuery"])
		assert.Equal(t, "MATCH (n) RETURN n", innerRow["currentQuery"])
		assert.Equal(t, outer.ExecutingQuery().QueryID(), outerRow["currentQueryId"])
		assert.Equal(t, outer.ExecutingQuery().QueryID(), innerRow["currentQueryId"])
	})

	t.Run("closed scopes drop out", func(t *testing.T) {
		require.NoError(t, inner.Commit())
		rows, err := f.registry.Call("dbms.listTransactions", f.callCtx(outer.Transaction()))
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})
}

func TestListQueriesProcedure(t *testing.T) {
	f := newFixture(t)
	outer := beginContext(t, f, "MATCH (n) RETURN n")
	inner, err := outer.ContextWithNewTransaction()
	require.NoError(t, err)
	defer inner.Close()

	t.Run("queries pending obfuscation are skipped", func(t *testing.T) {
		rows, err := f.registry.Call("dbms.listQueries", f.callCtx(outer.Transaction()))
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("one row per distinct query", func(t *testing.T) {
		outer.ExecutingQuery().OnObfuscatorReady(query.PassthroughObfuscator)

		rows, err := f.registry.Call("dbms.listQueries", f.callCtx(outer.Transaction()))
		require.NoError(t, err)
		require.Len(t, rows, 1, "two bindings, one query")

		row := rows[0]
		assert.Equal(t, "MATCH (n) RETURN n", row["query"])
		assert.Equal(t, outer.ExecutingQuery().QueryID(), row["queryId"])
		assert.Equal(t,
			fmt.Sprintf("muninn-transaction-%d", outer.Transaction().ID()),
			row["transactionId"],
			"the query is attributed to its outer transaction")
	})
}

func TestTransactionIDString(t *testing.T) {
	f := newFixture(t)
	ctx := beginContext(t, f, "RETURN 1")

	want := fmt.Sprintf("muninn-transaction-%d", ctx.Transaction().ID())
	assert.Equal(t, want, TransactionIDString(ctx.Transaction()))
}
