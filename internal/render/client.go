package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Status is a Render deploy status string.
type Status string

const (
	StatusCreated             Status = "created"
	StatusQueued              Status = "queued"
	StatusBuildInProgress     Status = "build_in_progress"
	StatusUpdateInProgress    Status = "update_in_progress"
	StatusPreDeployInProgress Status = "pre_deploy_in_progress"
	StatusLive                Status = "live"
	StatusDeactivated         Status = "deactivated"
	StatusBuildFailed         Status = "build_failed"
	StatusUpdateFailed        Status = "update_failed"
	StatusCanceled            Status = "canceled"
	StatusPreDeployFailed     Status = "pre_deploy_failed"
)

// IsFailed reports whether the status is a terminal failure.
func IsFailed(s Status) bool {
	switch s {
	case StatusDeactivated, StatusBuildFailed, StatusUpdateFailed, StatusCanceled, StatusPreDeployFailed:
		return true
	}
	return false
}

// IsInProgress reports whether the deploy is still running.
func IsInProgress(s Status) bool {
	switch s {
	case StatusCreated, StatusQueued, StatusBuildInProgress, StatusUpdateInProgress, StatusPreDeployInProgress:
		return true
	}
	return false
}

// IsCompleted reports whether the deploy finished successfully.
func IsCompleted(s Status) bool {
	return s == StatusLive
}

// Service is the subset of Render service metadata the bot reports on.
type Service struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ServiceDetails struct {
		URL string `json:"url"`
	} `json:"serviceDetails"`
}

const defaultBaseURL = "https://api.render.com"

// Client calls the Render deployment-automation API.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Used in tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithPollInterval overrides the deploy-status poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient creates a Render API client.
func NewClient(log *slog.Logger, apiKey string, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: 2 * time.Second,
		logger:       log.With(slog.String("service", "render")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetService fetches service metadata, including its public URL.
func (c *Client) GetService(ctx context.Context, serviceID string) (Service, error) {
	var svc Service
	if err := c.do(ctx, http.MethodGet, "/v1/services/"+serviceID, nil, &svc); err != nil {
		return Service{}, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

// UpdateEnv replaces the service's environment variables.
func (c *Client) UpdateEnv(ctx context.Context, serviceID string, env map[string]string) error {
	type envVar struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	vars := make([]envVar, 0, len(env))
	for k, v := range env {
		vars = append(vars, envVar{Key: k, Value: v})
	}
	if err := c.do(ctx, http.MethodPut, "/v1/services/"+serviceID+"/env-vars", vars, nil); err != nil {
		return fmt.Errorf("update env: %w", err)
	}
	return nil
}

// TriggerDeploy starts a new deploy and returns its id.
func (c *Client) TriggerDeploy(ctx context.Context, serviceID string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/services/"+serviceID+"/deploys", struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("trigger deploy: %w", err)
	}
	return resp.ID, nil
}

// WaitForDeploy polls the deploy until it reaches a terminal status. onChange
// fires for the first observed status and once per distinct transition after
// that; consecutive duplicates are suppressed. Context cancellation stops
// the loop.
func (c *Client) WaitForDeploy(ctx context.Context, serviceID, deployID string, onChange func(Status) error) (Status, error) {
	status, err := c.checkDeploy(ctx, serviceID, deployID)
	if err != nil {
		return "", err
	}
	if onChange != nil {
		if err := onChange(status); err != nil {
			return status, err
		}
	}
	last := status
	for !IsCompleted(status) && !IsFailed(status) {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		status, err = c.checkDeploy(ctx, serviceID, deployID)
		if err != nil {
			return last, err
		}
		if status != last {
			if onChange != nil {
				if err := onChange(status); err != nil {
					return status, err
				}
			}
			last = status
		}
	}
	return status, nil
}

func (c *Client) checkDeploy(ctx context.Context, serviceID, deployID string) (Status, error) {
	var resp struct {
		Status Status `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/services/"+serviceID+"/deploys/"+deployID, nil, &resp); err != nil {
		return "", fmt.Errorf("check deploy: %w", err)
	}
	return resp.Status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("render api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode render response: %w", err)
	}
	return nil
}
