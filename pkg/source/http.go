package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPConfig configures the HTTP content source.
type HTTPConfig struct {
	// BaseURL is the content service root; items are fetched from
	// {BaseURL}/items/{id}.
	BaseURL string `yaml:"base_url"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`

	// Timeout bounds each fetch.
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPSource implements ContentSource against the content service REST API.
type HTTPSource struct {
	config     HTTPConfig
	httpClient *http.Client
}

// NewHTTPSource creates an HTTP-backed content source.
func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPSource{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch retrieves the item content. Any transport or non-200 response is an
// error; the caller treats it as fatal to the instance.
func (s *HTTPSource) Fetch(ctx context.Context, itemID string) (*Item, error) {
	endpoint := fmt.Sprintf("%s/items/%s", s.config.BaseURL, url.PathEscape(itemID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build content request: %w", err)
	}
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("content service returned %d: %s", resp.StatusCode, string(data))
	}

	var item Item
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}
	return &item, nil
}

// Verify interface compliance
var _ ContentSource = (*HTTPSource)(nil)
