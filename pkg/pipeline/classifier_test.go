package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/41rumble/intelligent-rag-server/pkg/llm"
)

// fakeGen returns a canned JSON payload, or an error.
type fakeGen struct {
	payload string
	err     error
}

func (f *fakeGen) GenerateJSON(ctx context.Context, prompt string, opts llm.Options, out any) error {
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.payload), out)
}

func TestClassifyQueryFallbackOnError(t *testing.T) {
	c := NewClassifier(&fakeGen{err: errors.New("model unavailable")})

	got := c.ClassifyQuery(context.Background(), "proj-1", "Who is Nikos?")
	want := DefaultClassification("proj-1", "Who is Nikos?")

	if !reflect.DeepEqual(got, want) {
		t.Errorf("fallback classification = %+v, want %+v", got, want)
	}
	if got.QueryType != QueryTypeUnknown {
		t.Errorf("fallback query type = %q, want %q", got.QueryType, QueryTypeUnknown)
	}
	if got.QueryComplexity != 5 {
		t.Errorf("fallback complexity = %d, want 5", got.QueryComplexity)
	}
}

func TestClassifyQueryNormalization(t *testing.T) {
	tests := []struct {
		name           string
		payload        string
		wantType       string
		wantComplexity int
	}{
		{
			name:           "valid classification passes through",
			payload:        `{"people":["Nikos"],"locations":["Smyrna"],"time_periods":["1922"],"topics":["fire"],"query_type":"factual","query_complexity":7}`,
			wantType:       QueryTypeFactual,
			wantComplexity: 7,
		},
		{
			name:           "complexity clamped to upper bound",
			payload:        `{"query_type":"factual","query_complexity":42}`,
			wantType:       QueryTypeFactual,
			wantComplexity: 10,
		},
		{
			name:           "complexity clamped to lower bound",
			payload:        `{"query_type":"factual","query_complexity":-3}`,
			wantType:       QueryTypeFactual,
			wantComplexity: 1,
		},
		{
			name:           "unrecognized type becomes unknown",
			payload:        `{"query_type":"poetry_analysis","query_complexity":4}`,
			wantType:       QueryTypeUnknown,
			wantComplexity: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(&fakeGen{payload: tt.payload})
			got := c.ClassifyQuery(context.Background(), "proj-1", "q")

			if got.QueryType != tt.wantType {
				t.Errorf("query type = %q, want %q", got.QueryType, tt.wantType)
			}
			if got.QueryComplexity != tt.wantComplexity {
				t.Errorf("complexity = %d, want %d", got.QueryComplexity, tt.wantComplexity)
			}
			if got.People == nil || got.Locations == nil || got.TimePeriods == nil || got.Topics == nil {
				t.Error("entity sets must never be nil after normalization")
			}
			if got.Query != "q" || got.ProjectID != "proj-1" {
				t.Errorf("query/project echo = %q/%q, want q/proj-1", got.Query, got.ProjectID)
			}
		})
	}
}
