package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kgraph/backend/internal/constants"
	"kgraph/backend/internal/graph"
	"kgraph/backend/internal/salience"
)

var decayFlags struct {
	owner    string
	halfLife time.Duration
}

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Decay the salience of items that have not been used for a while",
	Long: "Applies the half-life decay policy to every node and relationship of an owner and " +
		"archives items that stayed idle and faint. Run it at a fixed cadence; each sweep " +
		"decays from the last access, so running it more often decays faster.",
	RunE: runDecay,
}

func init() {
	decayCmd.Flags().StringVar(&decayFlags.owner, "owner", constants.DefaultOwnerID, "owner whose graph is swept")
	decayCmd.Flags().DurationVar(&decayFlags.halfLife, "half-life", 0, "override the configured half-life")
}

func runDecay(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	driver, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, constants.Neo4jConnectTimeout)
	if err != nil {
		return err
	}
	repo := graph.NewRepository(driver, cfg.Neo4jDatabase)
	defer repo.Close()

	report, err := sweep(cmd, repo, decayFlags.owner, decayFlags.halfLife)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "scanned: %d  decayed: %d  archived: %d\n", report.Scanned, report.Decayed, report.Archived)
	return nil
}

func sweep(cmd *cobra.Command, store graph.Store, owner string, halfLife time.Duration) (graph.DecayReport, error) {
	tuning := cfg.Tuning.Salience
	if halfLife > 0 {
		tuning.HalfLife = halfLife
	}
	return salience.NewTracker(store, tuning, nil).Sweep(cmd.Context(), owner)
}
