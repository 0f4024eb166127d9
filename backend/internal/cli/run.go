package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kgraph/backend/internal/app"
	"kgraph/backend/internal/constants"
	"kgraph/backend/internal/dataset"
	"kgraph/backend/internal/graph"
	"kgraph/backend/internal/ingest"
	"kgraph/backend/pkg/logger"
)

var runFlags struct {
	dataset      string
	format       string
	owner        string
	out          string
	self         string
	maxDialogues int
	maxChunks    int
	chunkTurns   int
	memory       bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest a conversation dataset into the graph",
	RunE:  runIngest,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.dataset, "dataset", "", "path to a LoCoMo or LMSYS dataset file")
	f.StringVar(&runFlags.format, "format", "", "dataset format (locomo, lmsys); guessed from the file name when empty")
	f.StringVar(&runFlags.owner, "owner", constants.DefaultOwnerID, "owner whose graph receives the data")
	f.StringVar(&runFlags.out, "out", "artifacts", "directory for per-chunk artifacts and the run summary")
	f.StringVar(&runFlags.self, "self", "", "name of the Person that represents the owner")
	f.IntVar(&runFlags.maxDialogues, "max-dialogues", 0, "stop after this many conversations (0 = all)")
	f.IntVar(&runFlags.maxChunks, "max-chunks", 0, "chunks per conversation (0 = all)")
	f.IntVar(&runFlags.chunkTurns, "chunk-turns", 0, "turns per chunk (0 = configured default)")
	f.BoolVar(&runFlags.memory, "memory", false, "keep the graph in memory instead of Neo4j")
	_ = runCmd.MarkFlagRequired("dataset")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	log := logger.Get()

	var format dataset.Format
	var err error
	if runFlags.format == "" {
		format, err = dataset.DetectFormat(runFlags.dataset)
	} else {
		format, err = dataset.ParseFormat(runFlags.format)
	}
	if err != nil {
		return err
	}

	convs, err := dataset.LoadFile(runFlags.dataset, format, dataset.Limits{
		MaxDialogues: runFlags.maxDialogues,
		MaxChunks:    runFlags.maxChunks,
	})
	if err != nil {
		return err
	}
	log.Info("Dataset loaded",
		zap.String("path", runFlags.dataset),
		zap.String("format", string(format)),
		zap.Int("conversations", len(convs)),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := app.New(ctx, cfg, app.Options{
		Memory:       runFlags.memory,
		ArtifactsDir: runFlags.out,
		ServiceName:  "kgraph-cli",
	})
	if err != nil {
		return err
	}
	defer stack.Close(context.Background())

	if runFlags.self != "" {
		if err := markSelf(ctx, stack.Store, runFlags.owner, runFlags.self); err != nil {
			return err
		}
	}

	chunkTurns := runFlags.chunkTurns
	if chunkTurns <= 0 {
		chunkTurns = cfg.Tuning.Ingest.ChunkTurns
	}
	summary, err := ingestDataset(ctx, stack.Orchestrator, stack.Artifacts, runFlags.owner, convs, chunkTurns, runFlags.maxChunks)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "conversations: %d  chunks ok: %d  chunks failed: %d  entities: %d  relationships: %d\n",
		summary.Conversations, summary.ChunksSucceeded, summary.ChunksFailed, summary.Entities, summary.Relationships)
	if stack.Artifacts != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "artifacts: %s\n", stack.Artifacts.Dir())
	}
	return nil
}

// ingestDataset feeds each conversation through the orchestrator and writes
// the run summary. Conversations run one after another.
func ingestDataset(ctx context.Context, orch *ingest.Orchestrator, artifacts *ingest.ArtifactWriter,
	owner string, convs []dataset.Conversation, chunkTurns, maxChunks int) (ingest.RunSummary, error) {
	log := logger.Named("cli")
	started := time.Now().UTC()

	results := make([]ingest.ConversationResult, 0, len(convs))
	for i, conv := range convs {
		if ctx.Err() != nil {
			log.Warn("Run interrupted", zap.Int("completed", i), zap.Int("total", len(convs)))
			break
		}
		chunks := conv.Chunks(chunkTurns, maxChunks)
		log.Info("Ingesting conversation",
			zap.String("conversation_id", conv.ID),
			zap.Int("index", i+1),
			zap.Int("of", len(convs)),
			zap.Int("chunks", len(chunks)),
		)
		results = append(results, orch.IngestConversation(ctx, owner, conv.ID, chunks))
	}

	summary := ingest.Summarize(owner, started, time.Now().UTC(), results)
	if artifacts != nil {
		if err := artifacts.WriteRunSummary(summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func markSelf(ctx context.Context, store graph.Store, owner, name string) error {
	node, err := graph.NewNode(owner, graph.KindPerson, name, "", constants.ProvenanceCLI, time.Now().UTC())
	if err != nil {
		return err
	}
	stored, _, err := store.UpsertNode(ctx, node)
	if err != nil {
		return err
	}
	return store.SetSelf(ctx, owner, stored.Key)
}
