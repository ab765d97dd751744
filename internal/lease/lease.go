// Package lease borrows and returns MCP-endpoint instances from an
// allocator service over HTTP, and provides a scoped guard that
// guarantees the borrowed instance is released on every exit path —
// normal or abnormal — from the job that holds it.
package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oriys/agentd/internal/domain"
	"github.com/oriys/agentd/internal/logging"
)

// Client borrows and returns instances against a single allocator base
// URL. The embedded *http.Client is safe to share across jobs; it is
// never recreated per call.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a lease Client. httpClient may be nil, in which
// case a client with a bounded idle-connection pool is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// Borrow POSTs to <allocator>/borrow and returns the granted instance.
func (c *Client) Borrow(ctx context.Context) (*domain.Instance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/borrow", nil)
	if err != nil {
		return nil, fmt.Errorf("lease: build borrow request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lease: borrow request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("lease: read borrow response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lease: borrow returned status %d: %s", resp.StatusCode, string(body))
	}

	var inst domain.Instance
	if err := json.Unmarshal(body, &inst); err != nil {
		return nil, fmt.Errorf("lease: decode borrow response: %w", err)
	}
	logging.Op().Debug("lease.borrow", "instance_id", inst.ID, "mcp_url", inst.MCPConnectionURL)
	return &inst, nil
}

// Return POSTs instance to <allocator>/return. It is idempotent from the
// caller's perspective: a transport error or a non-2xx status from the
// allocator is logged as a warning and treated as a successful return,
// whether or not an earlier return for the same instance succeeded.
// Return only reports an error when the request cannot be built.
func (c *Client) Return(ctx context.Context, inst *domain.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("lease: encode instance: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/return", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("lease: build return request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logging.Op().Warn("lease.return transport error, treating as returned", "instance_id", inst.ID, "error", err)
		return nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logging.Op().Warn("lease.return non-2xx from allocator, treating as returned",
			"instance_id", inst.ID, "status", resp.StatusCode)
	}
	logging.Op().Debug("lease.return", "instance_id", inst.ID)
	return nil
}
