package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"kgraph/backend/pkg/config"
	"kgraph/backend/pkg/logger"
)

// cfg is loaded once before any subcommand runs
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "kgraph",
	Short: "Build a personal knowledge graph from conversations",
	Long: "kgraph turns conversation transcripts into a graph of people, concepts and entities " +
		"with typed, scored relationships and salience that grows with use.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) { logger.Sync() },
}

func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(decayCmd)
}

func setup(*cobra.Command, []string) error {
	loaded, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(loaded.Env); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfg = loaded
	return nil
}
