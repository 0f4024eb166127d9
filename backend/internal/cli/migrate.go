package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kgraph/backend/internal/constants"
	"kgraph/backend/internal/graph"
	"kgraph/backend/pkg/logger"
)

var migrateFlags struct {
	force      bool
	dimensions int
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create Neo4j constraints, indexes and vector indexes",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateFlags.force, "force", false, "run even if the migration is already recorded")
	migrateCmd.Flags().IntVar(&migrateFlags.dimensions, "dimensions", 0, "embedding dimensions (0 = EMBEDDING_DIMENSIONS)")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	log := logger.Get()
	ctx := cmd.Context()

	driver, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, constants.Neo4jConnectTimeout)
	if err != nil {
		return err
	}
	repo := graph.NewRepository(driver, cfg.Neo4jDatabase)
	defer repo.Close()

	if !migrateFlags.force {
		applied, err := repo.MigrationApplied(ctx)
		if err != nil {
			return err
		}
		if applied {
			fmt.Fprintln(cmd.OutOrStdout(), "Migration already applied. Use --force to reapply.")
			return nil
		}
	}

	dimensions := migrateFlags.dimensions
	if dimensions <= 0 {
		dimensions = cfg.EmbeddingDimensions
	}
	log.Info("Starting Neo4j schema migration", zap.Int("dimensions", dimensions))
	if err := repo.EnsureSchema(ctx, dimensions); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema %s applied.\n", graph.SchemaVersion)
	return nil
}
