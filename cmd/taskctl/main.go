// Package main implements the taskctl CLI for operating a taskd daemon.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	apiv1 "github.com/fyrsmithlabs/taskd/pkg/api/v1"
)

var (
	// serverURL is the base URL for the taskd control plane
	serverURL string
	// authToken authenticates requests when the server enforces a token
	authToken string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskctl",
	Short: "CLI for taskd automation control",
	Long: `taskctl is a command-line interface for operating a taskd daemon.
It provides commands for starting and controlling project automation,
injecting tasks, inspecting plans, and watching the live event stream.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9390", "taskd server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "bearer token (defaults to TASKD_TOKEN)")
	rootCmd.AddCommand(healthCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check taskd server health",
	Long: `Check the health status of the taskd daemon.

Examples:
  # Check health
  taskctl health

  # Check health on a different server
  taskctl health --server http://localhost:9480`,
	RunE: runHealth,
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var health apiv1.HealthResponse
	if err := decodeBody(resp, &health); err != nil {
		return err
	}

	fmt.Printf("Server Status: %s\n", health.Status)
	if health.Version != "" {
		fmt.Printf("Server Version: %s\n", health.Version)
	}
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

// Shared HTTP plumbing for all commands.

var httpClient = &http.Client{
	Timeout: 30 * time.Second,
}

// token resolves the auth token, letting the environment supply it.
func token() string {
	if authToken != "" {
		return authToken
	}
	return os.Getenv("TASKD_TOKEN")
}

// newRequest builds an authenticated request against the server.
func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t := token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}
	return req, nil
}

// apiGet performs an authenticated GET against the server.
func apiGet(path string) (*http.Response, error) {
	req, err := newRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s%s: %w", serverURL, path, err)
	}
	return resp, nil
}

// apiPost performs an authenticated POST, JSON-encoding body when set. An
// idempotency key is attached as the Idempotency-Key header.
func apiPost(path string, body any, idempotencyKey string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := newRequest(http.MethodPost, path, reader)
	if err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s%s: %w", serverURL, path, err)
	}
	return resp, nil
}

// apiError reads an error response, preferring the structured envelope.
func apiError(resp *http.Response) error {
	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}

	var envelope apiv1.ErrorResponse
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Message != "" {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, envelope.Error())
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(data))
}

// decodeBody decodes a JSON response body into v.
func decodeBody(resp *http.Response, v interface{}) error {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
