package clients

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/tmc/langchaingo/llms/googleai"
)

// ModelType is an enum for the available Google AI models.
type ModelType string

const (
	// FastModel handles classification, relevance checks and quick answers.
	FastModel ModelType = "gemini-3-flash-preview"
	// ReasoningModel handles synthesis and final answer generation.
	ReasoningModel ModelType = "gemini-3-pro-preview"
)

func GoogleAi(ctx context.Context, model ModelType) (*googleai.GoogleAI, error) {
	// Env vars may already be loaded by the caller; a missing .env is fine.
	_ = godotenv.Load()
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY is not set")
	}

	// See https://ai.google.dev/gemini-api/docs/models/gemini for possible models
	llm, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(string(model)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google AI client: %w", err)
	}

	return llm, nil
}
