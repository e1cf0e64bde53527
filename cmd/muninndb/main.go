// Package main provides the MuninnDB CLI entry point.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/orneryd/muninndb/pkg/auth"
	"github.com/orneryd/muninndb/pkg/config"
	"github.com/orneryd/muninndb/pkg/kernel"
	"github.com/orneryd/muninndb/pkg/query"
	"github.com/orneryd/muninndb/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "muninndb",
		Short: "MuninnDB - Graph Transaction Kernel",
		Long: `MuninnDB is a graph-database transaction kernel written in Go.

It provides nested transactional contexts with statistics aggregation:
an outer context can spawn inner transactions for batched or isolated
sub-units of work, while one executing-query record keeps an accurate
running aggregate of page hits, faults, locks and heap usage across
every scope, open or closed.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("MuninnDB v%s (%s)\n", version, commit)
		},
	})

	loadCmd := &cobra.Command{
		Use:   "load [count]",
		Short: "Load synthetic nodes in periodically-committed batches",
		Long: `Load creates synthetic nodes through a single transactional context,
committing and restarting the underlying transaction every batch. The
executing-query record keeps its identity across restarts, so the final
snapshot reports totals for the whole load.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runLoad,
	}
	loadCmd.Flags().Int("batch-size", 1000, "nodes per transaction")
	rootCmd.AddCommand(loadCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Scan the store and print an executing-query snapshot",
		RunE:  runStats,
	}
	rootCmd.AddCommand(statsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openEngine(cfg *config.Config) (storage.Engine, error) {
	switch cfg.Storage.Engine {
	case "badger":
		return storage.NewBadgerEngine(cfg.Storage.DataDir)
	default:
		return storage.NewMemoryEngine(), nil
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	count := 10000
	if len(args) == 1 {
		if _, err := fmt.Sscanf(args[0], "%d", &count); err != nil {
			return fmt.Errorf("invalid count %q: %w", args[0], err)
		}
	}
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	engine, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	k := kernel.New(engine, cfg, auth.NewAuthority(cfg.Auth.Enabled))
	defer k.Stop()

	tx, err := k.Begin(kernel.Implicit, auth.AuthDisabled)
	if err != nil {
		return err
	}

	factory := query.NewContextFactory(k)
	queryText := fmt.Sprintf("LOAD %d nodes", count)
	ctx := factory.NewContext(tx, queryText)
	defer ctx.Close()

	ctx.ExecutingQuery().OnObfuscatorReady(query.PassthroughObfuscator)

	for i := 0; i < count; i++ {
		node := &storage.Node{
			ID:     storage.NodeID(fmt.Sprintf("load-%d", i)),
			Labels: []string{"Loaded"},
			Properties: map[string]any{
				"index": i,
			},
		}
		if err := ctx.Transaction().CreateNode(node); err != nil {
			return fmt.Errorf("creating node %d: %w", i, err)
		}
		if (i+1)%batchSize == 0 {
			if err := ctx.CommitAndRestartTx(); err != nil {
				return fmt.Errorf("periodic commit at node %d: %w", i, err)
			}
			log.Printf("[Load] committed batch ending at node %d", i)
		}
	}
	if err := ctx.Commit(); err != nil {
		return fmt.Errorf("final commit: %w", err)
	}

	printSnapshot(ctx.ExecutingQuery().Snapshot())
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	engine, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	k := kernel.New(engine, cfg, auth.NewAuthority(cfg.Auth.Enabled))
	defer k.Stop()

	tx, err := k.Begin(kernel.Implicit, auth.AuthDisabled)
	if err != nil {
		return err
	}

	factory := query.NewContextFactory(k)
	ctx := factory.NewContext(tx, "MATCH (n) RETURN count(n)")
	defer ctx.Close()

	ctx.ExecutingQuery().OnObfuscatorReady(query.PassthroughObfuscator)

	nodes, err := ctx.Transaction().AllNodes()
	if err != nil {
		return fmt.Errorf("scanning nodes: %w", err)
	}
	fmt.Printf("Nodes: %d\n", len(nodes))

	printSnapshot(ctx.ExecutingQuery().Snapshot())
	return ctx.Commit()
}

func printSnapshot(snap query.QuerySnapshot) {
	fmt.Printf("Query:       %s (%s)\n", snap.QueryText, snap.QueryID)
	fmt.Printf("Transaction: %d\n", snap.TransactionID)
	fmt.Printf("Page hits:   %d\n", snap.PageHits)
	fmt.Printf("Page faults: %d\n", snap.PageFaults)
	fmt.Printf("Locks held:  %d\n", snap.ActiveLockCount)
	fmt.Printf("Heap peak:   %d bytes\n", snap.AllocatedBytes)
}
