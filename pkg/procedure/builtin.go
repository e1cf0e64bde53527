// Package procedure - Built-in dbms and tx procedures.
package procedure

import (
	"fmt"
	"sort"

	"github.com/orneryd/muninndb/pkg/kernel"
)

func registerBuiltins(r *Registry) {
	r.Register("tx.setMetaData", setMetaData)
	r.Register("dbms.listTransactions", listTransactions)
	r.Register("dbms.listQueries", listQueries)
}

// TransactionIDString formats a transaction id the way listings show it,
// e.g. "muninn-transaction-12".
func TransactionIDString(tx *kernel.Transaction) string {
	return fmt.Sprintf("%s-transaction-%d", tx.DatabaseName(), tx.ID())
}

// setMetaData attaches metadata to the calling transaction handle only.
// Called from an inner context it never touches the outer handle.
func setMetaData(ctx *CallContext, args []any) ([]Row, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("tx.setMetaData expects one map argument: %w", ErrInvalidArguments)
	}
	meta, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tx.setMetaData expects a map argument, got %T: %w", args[0], ErrInvalidArguments)
	}
	if err := ctx.Tx.SetMetaData(meta); err != nil {
		return nil, err
	}
	return nil, nil
}

// listTransactions reports every live transaction with the query it is
// currently executing. Inner transactions carry their outer's id; query
// text is only visible once the query's obfuscator is ready.
func listTransactions(ctx *CallContext, args []any) ([]Row, error) {
	txs := ctx.Kernel.LiveTransactions()
	sort.Slice(txs, func(i, j int) bool { return txs[i].ID() < txs[j].ID() })

	rows := make([]Row, 0, len(txs))
	for _, tx := range txs {
		row := Row{
			"transactionId":      TransactionIDString(tx),
			"currentQuery":       "",
			"currentQueryId":     "",
			"outerTransactionId": "",
			"database":           tx.DatabaseName(),
			"username":           tx.Subject(),
		}
		if outer := tx.Outer(); outer != nil {
			row["outerTransactionId"] = TransactionIDString(outer)
		}
		if q, ok := ctx.Queries.QueryFor(tx.ID()); ok {
			if text, ready := q.ObfuscatedQueryText(); ready {
				row["currentQuery"] = text
				row["currentQueryId"] = q.QueryID()
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// listQueries reports every executing query once, attributed to its current
// outer transaction.
func listQueries(ctx *CallContext, args []any) ([]Row, error) {
	queries := ctx.Queries.Queries()
	sort.Slice(queries, func(i, j int) bool { return queries[i].ID() < queries[j].ID() })

	var rows []Row
	for _, q := range queries {
		text, ready := q.ObfuscatedQueryText()
		if !ready {
			continue
		}
		rows = append(rows, Row{
			"queryId":       q.QueryID(),
			"query":         text,
			"transactionId": fmt.Sprintf("%s-transaction-%d", ctx.Kernel.DatabaseName(), q.TransactionID()),
		})
	}
	return rows, nil
}
