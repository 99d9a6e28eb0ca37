package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// Options configures a single structured-generation call.
type Options struct {
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	// MaxAttempts bounds retries for transient failures and malformed output.
	// Zero means the default of 3. Callers that must not retry (classification,
	// relevance checks) set it to 1 and degrade on error instead.
	MaxAttempts int
}

// MalformedOutputError reports model output that could not be parsed as JSON
// even after cleanup. It is distinguishable from transport errors so callers
// can decide between retry and degrade.
type MalformedOutputError struct {
	Raw string
	Err error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed model output: %v", e.Err)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

// Client wraps a langchaingo model with the JSON generation contract the
// pipeline depends on.
type Client struct {
	Model  llms.Model
	Logger *slog.Logger

	// backoff base between attempts, doubled each retry. Overridable in tests.
	Backoff time.Duration
}

func NewClient(model llms.Model) *Client {
	return &Client{
		Model:   model,
		Logger:  slog.Default(),
		Backoff: time.Second,
	}
}

// GenerateJSON prompts the model in JSON mode, cleans the returned text and
// unmarshals it into out. Transient failures and malformed output are retried
// with exponential backoff up to opts.MaxAttempts.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, opts Options, out any) error {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var messages []llms.MessageContent
	if opts.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, opts.SystemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	callOpts := []llms.CallOption{llms.WithJSONMode()}
	if opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			c.Logger.Warn("Retrying LLM generation", "attempt", i+1, "last_error", lastErr)
			select {
			case <-time.After(c.Backoff << (i - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		resp, err := c.Model.GenerateContent(ctx, messages, callOpts...)
		if err != nil {
			lastErr = fmt.Errorf("llm generation failed: %w", err)
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("llm returned no choices")
			continue
		}

		content := CleanJSON(resp.Choices[0].Content)
		if err := json.Unmarshal([]byte(content), out); err != nil {
			lastErr = &MalformedOutputError{Raw: resp.Choices[0].Content, Err: err}
			continue
		}
		return nil
	}

	return fmt.Errorf("generation failed after %d attempts: %w", attempts, lastErr)
}

// CleanJSON strips markdown code fences and repairs brace-truncated output.
// Models in JSON mode still occasionally wrap the object in ```json fences or
// get cut off mid-object by the token limit.
func CleanJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	s = s[start:]

	return balanceBraces(s)
}

// balanceBraces truncates trailing garbage after the outermost object closes,
// and appends missing closers when the output was cut off mid-object. String
// contents are skipped so braces inside values do not count.
func balanceBraces(s string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			stack = append(stack, '}')
		case ch == '[':
			stack = append(stack, ']')
		case ch == '}' || ch == ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
				if len(stack) == 0 {
					return s[:i+1]
				}
			}
		}
	}

	if len(stack) == 0 {
		return s
	}

	// Cut off inside a string: close it before closing containers.
	out := s
	if inString {
		out += `"`
	}
	// Drop a dangling comma so the repaired object parses.
	trimmed := strings.TrimRight(out, " \t\n\r")
	trimmed = strings.TrimSuffix(trimmed, ",")
	out = trimmed
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}
