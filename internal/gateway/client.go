package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"procvisor/internal/config"
	"procvisor/internal/gateway/handlers"
	"procvisor/internal/procutil"
)

// Client talks to a running gateway over TCP or the configured pipe.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient returns a client for the server described by cfg.
func NewClient(cfg config.ServerConfig) *Client {
	transport := &http.Transport{}
	baseURL := "http://" + cfg.Addr()
	if cfg.Pipe != "" {
		pipe := cfg.Pipe
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialPipe(ctx, pipe)
		}
		// Host is ignored by the pipe dialer.
		baseURL = "http://procvisor"
	}
	return &Client{
		http:    &http.Client{Transport: transport, Timeout: 30 * time.Second},
		baseURL: baseURL,
	}
}

// Health fetches /api/v1/health.
func (c *Client) Health(ctx context.Context) (*handlers.HealthResponse, error) {
	var resp handlers.HealthResponse
	if err := c.get(ctx, "/api/v1/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Processes fetches the processes tracked by the server.
func (c *Client) Processes(ctx context.Context) ([]procutil.Info, error) {
	var resp struct {
		Processes []procutil.Info `json:"processes"`
	}
	if err := c.get(ctx, "/api/v1/processes", &resp); err != nil {
		return nil, err
	}
	return resp.Processes, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return handlers.ReadError(res)
	}
	return json.NewDecoder(res.Body).Decode(out)
}
