package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apiv1 "github.com/fyrsmithlabs/taskd/pkg/api/v1"
)

// StatusClient reads automation state from the taskd control-plane API.
type StatusClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewStatusClient creates a new control-plane client.
func NewStatusClient(baseURL, token string) *StatusClient {
	return &StatusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Health checks the daemon health endpoint.
func (c *StatusClient) Health(ctx context.Context) (*apiv1.HealthResponse, error) {
	var out apiv1.HealthResponse
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProjects returns every registered project with per-state counts.
func (c *StatusClient) ListProjects(ctx context.Context) (*apiv1.ProjectList, error) {
	var out apiv1.ProjectList
	if err := c.get(ctx, "/api/v1/projects", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProjectStatus returns the automation status of one project.
func (c *StatusClient) ProjectStatus(ctx context.Context, projectID string) (*apiv1.ProjectStatus, error) {
	path := fmt.Sprintf("/api/v1/projects/%s/automation", url.PathEscape(projectID))
	var out apiv1.ProjectStatus
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// get performs one authenticated GET and decodes the JSON response.
func (c *StatusClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// apiError turns a non-200 response into an error, preferring the
// structured envelope when the server sent one.
func apiError(resp *http.Response) error {
	var body apiv1.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Message != "" {
		return fmt.Errorf("%s (status code %d)", body.Message, resp.StatusCode)
	}
	return fmt.Errorf("unexpected status code %d", resp.StatusCode)
}
