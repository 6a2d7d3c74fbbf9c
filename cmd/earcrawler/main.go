// Package main implements the earcrawler CLI - the single entrypoint
// for building, validating, serving, and governing the EAR regulatory
// knowledge pipeline.
//
// This file is the entry point and command registration hub. Command
// implementations are split across cmd_*.go files for maintainability.
//
// # File Index
//
//   - main.go          - entry point, rootCmd, global flags, config load
//   - cmd_corpus.go    - corpus build|validate|snapshot
//   - cmd_kg.go        - kg emit|load|serve|query
//   - cmd_pipeline.go  - snapshot-validate, integrity check, bundle
//     export-profiles, run (full C11 pipeline)
//   - cmd_eval.go      - eval fr-coverage|run-rag|check-grounding
//   - cmd_gc.go        - gc --dry-run|--apply --target
//   - cmd_audit.go     - audit verify|rotate
//   - cmd_policy.go    - policy whoami|test
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"earcrawler/internal/config"
	"earcrawler/internal/logging"
)

var (
	verbose    bool
	workspace  string
	configPath string

	logger *zap.Logger
	cfg    *config.Config
)

// rootCmd is the base command every subcommand hangs off.
var rootCmd = &cobra.Command{
	Use:   "earcrawler",
	Short: "EarCrawler - export-control (EAR) regulatory knowledge pipeline",
	Long: `earcrawler builds a deterministic knowledge corpus from offline eCFR
snapshots, emits a provenance-carrying RDF knowledge graph, validates it
against shape and integrity gates, and serves strict, citation-grounded
answers through a read-only API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		if err := logging.Initialize(ws); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}

		path := configPath
		if path == "" {
			path = filepath.Join(ws, "earcrawler.yaml")
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to earcrawler.yaml (default: <workspace>/earcrawler.yaml)")

	rootCmd.AddCommand(
		snapshotValidateCmd,
		corpusCmd,
		kgCmd,
		integrityCmd,
		bundleCmd,
		evalCmd,
		gcCmd,
		auditCmd,
		policyCmd,
		runCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
