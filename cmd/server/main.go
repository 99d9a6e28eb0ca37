package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/41rumble/intelligent-rag-server/pkg/clients"
	"github.com/41rumble/intelligent-rag-server/pkg/config"
	"github.com/41rumble/intelligent-rag-server/pkg/database"
	"github.com/41rumble/intelligent-rag-server/pkg/embeddings"
	"github.com/41rumble/intelligent-rag-server/pkg/llm"
	"github.com/41rumble/intelligent-rag-server/pkg/pipeline"
	"github.com/41rumble/intelligent-rag-server/pkg/search"
	"github.com/41rumble/intelligent-rag-server/pkg/server"
	"github.com/41rumble/intelligent-rag-server/pkg/vectorstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	ctx := context.Background()

	// Database Connection
	db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	// Model clients: fast for classification and quick answers, reasoning
	// for synthesis and final answers.
	fastModel, err := clients.GoogleAi(ctx, clients.ModelType(cfg.FastModel))
	if err != nil {
		log.Fatalf("Failed to create fast model client: %v", err)
	}
	reasoningModel, err := clients.GoogleAi(ctx, clients.ModelType(cfg.ReasoningModel))
	if err != nil {
		log.Fatalf("Failed to create reasoning model client: %v", err)
	}
	fastGen := llm.NewClient(fastModel)
	reasoningGen := llm.NewClient(reasoningModel)

	embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey, 1536)
	if err != nil {
		log.Fatalf("Failed to create embedder: %v", err)
	}

	store, err := vectorstore.NewPGVectorStore(db.Pool, cfg.CollectionName)
	if err != nil {
		log.Fatalf("Invalid collection name: %v", err)
	}
	vector := pipeline.NewVectorBackend(store, embedder)

	webClient := search.NewClient(cfg.SearxngURL, nil)

	// Pipeline wiring.
	streams := pipeline.NewStreamManager(cfg.RequestBudget, cfg.RetentionTimeout)
	routerCfg := pipeline.DefaultRouterConfig()
	routerCfg.WebThreshold = cfg.WebThreshold
	router := pipeline.NewRouter(db, vector, pipeline.NewAggregator(webClient, cfg.MinContentLength), routerCfg)
	controller := pipeline.NewController(
		streams,
		pipeline.NewClassifier(fastGen),
		router,
		pipeline.NewSynthesizer(reasoningGen),
		fastGen,
	)
	controller.FinalGen = reasoningGen
	controller.ProjectTitle = cfg.BookTitle

	done := make(chan struct{})
	defer close(done)
	go streams.RunJanitor(done)

	svc := server.NewService(db, controller, streams, vector, cfg.ProjectID)
	handler := server.NewHandler(svc)

	// Web Server Setup
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"}, // Allow all for dev
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Mcp-Session-Id"},
		ExposeHeaders:    []string{"Content-Length", "Mcp-Session-Id"},
		AllowCredentials: true,
	}))

	handler.RegisterRoutes(r)

	fmt.Printf("Server starting on port %s\n", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
