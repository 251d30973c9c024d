package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/otherjamesbrown/penf-triage/pkg/logging"
)

// HTTPConfig configures the HTTP classification gateway.
type HTTPConfig struct {
	// Endpoint is the OpenAI-compatible chat completions URL.
	Endpoint string `yaml:"endpoint"`

	// Model is the model identifier sent with each request.
	Model string `yaml:"model"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`

	// Timeout bounds each classification call.
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPGateway implements Gateway against an OpenAI-compatible chat
// completions endpoint, asking for structured JSON output.
type HTTPGateway struct {
	config     HTTPConfig
	httpClient *http.Client
	logger     logging.Logger
}

// NewHTTPGateway creates a new HTTP classification gateway.
func NewHTTPGateway(cfg HTTPConfig, logger logging.Logger) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPGateway{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(logging.F("component", "classify_gateway")),
	}
}

// chatMessage represents a message in the chat conversation.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the OpenAI-compatible chat completion request.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// chatResponse is the OpenAI-compatible chat completion response.
type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

const systemPrompt = `You are an email triage classifier. Respond with a single JSON object:
{"category": "<one of the candidate categories>", "reasoning": "<one short sentence>", "confidence": <0.0-1.0>}`

// Classify sends the content to the model and parses the structured
// suggestion. The returned suggestion is validated against the candidate
// categories; validation failures are returned as errors so the caller can
// apply the fallback.
func (g *HTTPGateway) Classify(ctx context.Context, content string, categories []string) (*Suggestion, error) {
	prompt := fmt.Sprintf("Candidate categories: %s\n\nEmail:\n%s", strings.Join(categories, ", "), content)

	body, err := json.Marshal(chatRequest{
		Model: g.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("classification endpoint returned %d: %s", resp.StatusCode, string(data))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("empty completion response")
	}

	suggestion, err := parseSuggestion(chat.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if err := Validate(suggestion, categories); err != nil {
		return nil, fmt.Errorf("invalid suggestion: %w", err)
	}

	g.logger.Debug("Classification completed",
		logging.F("category", suggestion.Category),
		logging.F("confidence", suggestion.Confidence),
		logging.F("duration", time.Since(start)))

	return suggestion, nil
}

// parseSuggestion extracts the JSON object from the model output, tolerating
// surrounding prose and markdown fences.
func parseSuggestion(content string) (*Suggestion, error) {
	raw := strings.TrimSpace(content)
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}

	var s Suggestion
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to parse suggestion JSON: %w", err)
	}
	return &s, nil
}

// Verify interface compliance
var _ Gateway = (*HTTPGateway)(nil)
