package vectorstore

import (
	"reflect"
	"testing"
)

func TestIsValidTableName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"Valid standard", "embeddings", true},
		{"Valid with underscore", "my_collection", true},
		{"Valid with numbers", "collection123", true},
		{"Valid short", "a", true},
		{"Valid max length", "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_", true}, // 63 chars
		{"Invalid start with number", "1collection", false},
		{"Invalid special chars", "collection-name", false},
		{"Invalid space", "collection name", false},
		{"Invalid SQL injection", "users; DROP TABLE embeddings", false},
		{"Invalid empty", "", false},
		{"Invalid too long", "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789__", false}, // 64 chars
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidTableName(tt.input); got != tt.expected {
				t.Errorf("isValidTableName(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func hit(id, contentType string, score float64) SimilaritySearchResult {
	return SimilaritySearchResult{
		Document: Document{ID: id, Metadata: map[string]any{"content_type": contentType}},
		Score:    score,
	}
}

func TestRerank(t *testing.T) {
	weights := map[string]float64{
		"character_profile": 1.5,
		"event":             1.2,
	}

	t.Run("weights reorder hits", func(t *testing.T) {
		results := Rerank([]SimilaritySearchResult{
			hit("passage", "passage", 0.80),
			hit("profile", "character_profile", 0.60),
			hit("event", "event", 0.70),
		}, weights)

		gotOrder := []string{results[0].Document.ID, results[1].Document.ID, results[2].Document.ID}
		// 0.60*1.5=0.90, 0.70*1.2=0.84, 0.80 unweighted.
		wantOrder := []string{"profile", "event", "passage"}
		if !reflect.DeepEqual(gotOrder, wantOrder) {
			t.Errorf("order = %v, want %v", gotOrder, wantOrder)
		}
	})

	t.Run("unlisted content type keeps its score", func(t *testing.T) {
		results := Rerank([]SimilaritySearchResult{hit("p1", "passage", 0.5)}, weights)
		if results[0].Score != 0.5 {
			t.Errorf("score = %f, want 0.5", results[0].Score)
		}
	})

	t.Run("nil table is a no-op", func(t *testing.T) {
		in := []SimilaritySearchResult{
			hit("b", "event", 0.4),
			hit("a", "character_profile", 0.3),
		}
		results := Rerank(in, nil)
		if results[0].Document.ID != "b" || results[1].Document.ID != "a" {
			t.Error("nil weight table changed the ordering")
		}
	})

	t.Run("ties keep original order", func(t *testing.T) {
		results := Rerank([]SimilaritySearchResult{
			hit("first", "passage", 0.5),
			hit("second", "passage", 0.5),
		}, weights)
		if results[0].Document.ID != "first" {
			t.Error("stable sort broke tie ordering")
		}
	})

	t.Run("missing metadata tolerated", func(t *testing.T) {
		results := Rerank([]SimilaritySearchResult{
			{Document: Document{ID: "bare"}, Score: 0.5},
		}, weights)
		if results[0].Score != 0.5 {
			t.Errorf("score = %f, want 0.5", results[0].Score)
		}
	})
}
