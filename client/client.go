// Package client provides the HTTP client the triage CLI uses to talk to
// the triage service API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/otherjamesbrown/penf-triage/pkg/batch"
	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

// Client talks to the triage service REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the given base URL. The token is sent as a
// bearer token when non-empty.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// StartResult is the response to a workflow start request.
type StartResult struct {
	InstanceID string        `json:"instance_id"`
	Status     triage.Status `json:"status"`
}

// StartWorkflow starts a triage workflow for an item.
func (c *Client) StartWorkflow(ctx context.Context, itemID, ownerID string) (*StartResult, error) {
	var out StartResult
	err := c.do(ctx, http.MethodPost, "/api/v1/workflow/start", map[string]string{
		"item_id":  itemID,
		"owner_id": ownerID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusResult is the response to a workflow status request.
type StatusResult struct {
	InstanceID string        `json:"instance_id"`
	Status     triage.Status `json:"status"`
	State      triage.State  `json:"state"`
}

// WorkflowStatus returns the status and state of an instance.
func (c *Client) WorkflowStatus(ctx context.Context, instanceID string) (*StatusResult, error) {
	var out StatusResult
	err := c.do(ctx, http.MethodGet, "/api/v1/workflow/"+url.PathEscape(instanceID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DecisionResult is the response to a decision submission.
type DecisionResult struct {
	InstanceID     string `json:"instance_id"`
	AlreadyHandled bool   `json:"already_handled"`
}

// SubmitDecision applies a decision to a suspended instance.
func (c *Client) SubmitDecision(ctx context.Context, instanceID, callerID, action, category string) (*DecisionResult, error) {
	var out DecisionResult
	err := c.do(ctx, http.MethodPost, "/api/v1/workflow/"+url.PathEscape(instanceID)+"/decision", map[string]string{
		"caller_id": callerID,
		"action":    action,
		"category":  category,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RunBatch triggers a batch delivery cycle.
func (c *Client) RunBatch(ctx context.Context) (*batch.Report, error) {
	var out batch.Report
	if err := c.do(ctx, http.MethodPost, "/api/v1/batch/run", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPreferences fetches an owner's notification preferences.
func (c *Client) GetPreferences(ctx context.Context, ownerID string) (*triage.Preferences, error) {
	var out triage.Preferences
	err := c.do(ctx, http.MethodGet, "/api/v1/preferences/"+url.PathEscape(ownerID)+"/", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PutPreferences stores an owner's notification preferences.
func (c *Client) PutPreferences(ctx context.Context, prefs *triage.Preferences) (*triage.Preferences, error) {
	var out triage.Preferences
	err := c.do(ctx, http.MethodPut, "/api/v1/preferences/"+url.PathEscape(prefs.OwnerID)+"/", prefs, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks service health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// do performs one request with auth, encoding and error mapping.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &errBody) != nil || errBody.Error == "" {
			errBody.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errBody.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
