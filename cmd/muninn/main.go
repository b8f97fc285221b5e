// Package main provides the Muninn CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/muninndb/muninn/pkg/config"
	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/muninn"
	"github.com/muninndb/muninn/pkg/reason"
	"github.com/muninndb/muninn/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "muninn",
		Short: "Muninn - Embedded knowledge-graph engine",
		Long: `Muninn is a knowledge-graph engine written in Go: a pluggable
entity/relation store with a declarative query language, cost-based
optimization, rule-based inference with confidence propagation,
semantic entity resolution, and streaming import/export.`,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("tenant", "", "Tenant namespace for all operations")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Muninn v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Muninn HTTP server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("backend", "", "Storage backend: memory, badger or remote")
	serveCmd.Flags().String("data-dir", "", "Badger data directory")
	serveCmd.Flags().Int("http-port", 0, "HTTP API port")
	rootCmd.AddCommand(serveCmd)

	queryCmd := &cobra.Command{
		Use:   "query [query-text]",
		Short: "Execute query-language text against the store",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	rootCmd.AddCommand(queryCmd)

	inferCmd := &cobra.Command{
		Use:   "infer [relation-type]",
		Short: "Run inference rules over a relation type",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfer,
	}
	inferCmd.Flags().Int("max-steps", 3, "Maximum transitive chaining rounds")
	rootCmd.AddCommand(inferCmd)

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import entities and relations from a JSONL file (gzip ok)",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	rootCmd.AddCommand(importCmd)

	exportCmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Export the graph to a JSONL file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	rootCmd.AddCommand(exportCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print entity and relation counts",
		RunE:  runStats,
	}
	rootCmd.AddCommand(statsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig builds configuration from the --config file, environment
// and command flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if port, _ := cmd.Flags().GetInt("http-port"); port > 0 {
		cfg.Server.Port = port
	}
	return cfg, cfg.Validate()
}

func tenantFlag(cmd *cobra.Command) *graph.TenantContext {
	name, _ := cmd.Flags().GetString("tenant")
	if name == "" {
		return nil
	}
	return &graph.TenantContext{Tenant: name, Isolation: graph.IsolationStrict}
}

func openDB(cmd *cobra.Command) (*muninn.DB, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := muninn.Open(cfg, muninn.Options{})
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	db, cfg, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	srv := server.New(db, server.Options{
		Addr:         cfg.ListenAddr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("Muninn v%s listening on %s (backend: %s)\n",
			version, cfg.ListenAddr(), cfg.Storage.Backend)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func runQuery(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := db.Query(cmd.Context(), tenantFlag(cmd), args[0])
	if err != nil {
		return err
	}

	for _, entity := range result.Entities {
		fmt.Printf("%s\t%s\t%s\n", entity.ID, entity.Type, entity.Name())
	}
	fmt.Printf("%d entities", len(result.Entities))
	if len(result.Paths) > 0 {
		fmt.Printf(", %d paths", len(result.Paths))
	}
	fmt.Println()
	return nil
}

func runInfer(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	maxSteps, _ := cmd.Flags().GetInt("max-steps")
	result, err := db.Infer(cmd.Context(), tenantFlag(cmd), args[0], reason.InferOptions{
		MaxSteps: maxSteps,
	})
	if err != nil {
		return err
	}

	if result.Message != "" {
		fmt.Println(result.Message)
	}
	for _, line := range reason.Trace(result) {
		fmt.Println(line)
	}
	fmt.Printf("%d relations inferred\n", len(result.Inferred))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	report, err := db.Import(cmd.Context(), tenantFlag(cmd), f)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d entities, %d relations (%d skipped, %d failed)\n",
		report.Entities, report.Relations, report.Skipped, len(report.Failures))
	for _, failure := range report.Failures {
		fmt.Fprintf(os.Stderr, "  line %d: %s\n", failure.Line, failure.Message)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	report, err := db.Export(cmd.Context(), tenantFlag(cmd), f)
	if err != nil {
		return err
	}
	fmt.Printf("Exported %d entities, %d relations to %s\n",
		report.Entities, report.Relations, args[0])
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	tenant := tenantFlag(cmd)
	entities, err := db.Store().EntityCount(cmd.Context(), tenant)
	if err != nil {
		return err
	}
	relations, err := db.Store().RelationCount(cmd.Context(), tenant)
	if err != nil {
		return err
	}
	fmt.Printf("Entities:  %d\nRelations: %d\n", entities, relations)
	return nil
}
