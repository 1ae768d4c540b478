package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/docker/go-connections/sockets"

	"github.com/majorcontext/guestpull/internal/image"
	"github.com/majorcontext/guestpull/internal/sandbox"
)

// Client communicates with the agent over a Unix socket.
type Client struct {
	sockPath   string
	httpClient *http.Client
}

// NewClient creates a client for the agent listening on sockPath.
func NewClient(sockPath string) (*Client, error) {
	tr := &http.Transport{}
	if err := sockets.ConfigureTransport(tr, "unix", sockPath); err != nil {
		return nil, fmt.Errorf("configuring transport: %w", err)
	}
	return &Client{
		sockPath:   sockPath,
		httpClient: &http.Client{Transport: tr},
	}, nil
}

// APIError is a failure reported by the agent.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Health returns the agent's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// PullImage asks the agent to pull and unpack an image.
func (c *Client) PullImage(ctx context.Context, req image.Request) (*image.Response, error) {
	var resp image.Response
	if err := c.do(ctx, http.MethodPost, "/v1/images/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListImages returns the agent's image registry.
func (c *Client) ListImages(ctx context.Context) ([]sandbox.Image, error) {
	var resp ImagesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/images", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://agent"+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("agent returned %d", resp.StatusCode)}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
