package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/41rumble/intelligent-rag-server/pkg/clients"
	"github.com/41rumble/intelligent-rag-server/pkg/config"
	"github.com/41rumble/intelligent-rag-server/pkg/database"
	"github.com/41rumble/intelligent-rag-server/pkg/embeddings"
	"github.com/41rumble/intelligent-rag-server/pkg/ingest"
	"github.com/41rumble/intelligent-rag-server/pkg/llm"
	"github.com/41rumble/intelligent-rag-server/pkg/pipeline"
	"github.com/41rumble/intelligent-rag-server/pkg/search"
	"github.com/41rumble/intelligent-rag-server/pkg/vectorstore"
)

var (
	projectID     string
	thinkingDepth int
)

func main() {
	handler := slog.NewTextHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(handler))

	// A missing .env is fine as long as the env vars are set.
	_ = godotenv.Load()

	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:   "ragctl",
		Short: "Terminal client for the intelligent RAG pipeline",
	}

	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about the book and wait for the refined answer",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runAsk(cfg, args[0])
		},
	}
	askCmd.Flags().IntVarP(&thinkingDepth, "depth", "d", 2, "Refinement depth (1-4)")

	ingestCmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest a plain-text book file into the project",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runIngest(cfg, args[0])
		},
	}

	rootCmd.PersistentFlags().StringVarP(&projectID, "project", "p", "", "Project id (defaults to PROJECT_ID)")
	rootCmd.AddCommand(askCmd, ingestCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func resolveProject(cfg *config.Config) string {
	if projectID != "" {
		return projectID
	}
	return cfg.ProjectID
}

func runAsk(cfg *config.Config, question string) {
	ctx := context.Background()

	db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		slog.Error("Failed to initialize schema", "error", err)
		os.Exit(1)
	}

	fastModel, err := clients.GoogleAi(ctx, clients.ModelType(cfg.FastModel))
	if err != nil {
		slog.Error("Failed to create fast model client", "error", err)
		os.Exit(1)
	}
	reasoningModel, err := clients.GoogleAi(ctx, clients.ModelType(cfg.ReasoningModel))
	if err != nil {
		slog.Error("Failed to create reasoning model client", "error", err)
		os.Exit(1)
	}

	embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey, 1536)
	if err != nil {
		slog.Error("Failed to create embedder", "error", err)
		os.Exit(1)
	}
	store, err := vectorstore.NewPGVectorStore(db.Pool, cfg.CollectionName)
	if err != nil {
		slog.Error("Invalid collection name", "error", err)
		os.Exit(1)
	}

	streams := pipeline.NewStreamManager(cfg.RequestBudget, cfg.RetentionTimeout)
	routerCfg := pipeline.DefaultRouterConfig()
	routerCfg.WebThreshold = cfg.WebThreshold
	router := pipeline.NewRouter(db,
		pipeline.NewVectorBackend(store, embedder),
		pipeline.NewAggregator(search.NewClient(cfg.SearxngURL, nil), cfg.MinContentLength),
		routerCfg)
	controller := pipeline.NewController(
		streams,
		pipeline.NewClassifier(llm.NewClient(fastModel)),
		router,
		pipeline.NewSynthesizer(llm.NewClient(reasoningModel)),
		llm.NewClient(fastModel),
	)
	controller.FinalGen = llm.NewClient(reasoningModel)
	controller.ProjectTitle = cfg.BookTitle

	result, err := controller.Process(ctx, resolveProject(cfg), question, thinkingDepth)
	if err != nil {
		slog.Error("Query failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("\n--- Quick answer (confidence %.2f) ---\n%s\n", result.Quick.Confidence, result.Quick.Answer)

	// Follow the stream until the refinement terminates.
	replay, updates, cancel, ok := streams.Subscribe(result.RequestID)
	if !ok {
		return
	}
	defer cancel()

	printUpdate := func(u pipeline.StreamUpdate) {
		switch u.Type {
		case pipeline.UpdateBackgroundProgress:
			slog.Info("Refining", "stage", u.Stage)
		case pipeline.UpdateFinal:
			fmt.Printf("\n--- Refined answer (confidence %.2f) ---\n%s\n", u.Answer.Confidence, u.Answer.Answer)
			if u.Answer.ConsistencyNotes != "" {
				fmt.Printf("\nConsistency: %s\n", u.Answer.ConsistencyNotes)
			}
			for _, corr := range u.Answer.Corrections {
				fmt.Printf("Correction: %s\n", corr)
			}
		case pipeline.UpdateError:
			slog.Error("Refinement failed", "error", u.Error)
		}
	}

	for _, u := range replay {
		printUpdate(u)
	}
	for u := range updates {
		printUpdate(u)
	}
}

func runIngest(cfg *config.Config, path string) {
	ctx := context.Background()

	db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		slog.Error("Failed to initialize schema", "error", err)
		os.Exit(1)
	}

	embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey, 1536)
	if err != nil {
		slog.Error("Failed to create embedder", "error", err)
		os.Exit(1)
	}

	ing := ingest.New(db, embedder, cfg.CollectionName, cfg.ChunkSize, cfg.ChunkOverlap)
	stored, err := ing.IngestFile(ctx, resolveProject(cfg), path)
	if err != nil {
		slog.Error("Ingest failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Ingest complete", "chunks", stored)
}
