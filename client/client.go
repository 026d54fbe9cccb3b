// Package client is the HTTP client of the monitor API. The keeper uses it
// for register and node-active, the CLI uses it for the operator endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pingcap/errors"

	"github.com/pgherd/pgherd/server"
)

const apiPrefix = "/api/v1"

type Client struct {
	base string
	http *http.Client
}

// New builds a client for a monitor at base, e.g. "http://10.0.0.1:6100".
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is a non-2xx monitor reply, carrying the HTTP status so callers
// can tell a retryable condition from a protocol error.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("monitor replied %d: %s", e.Status, e.Message)
}

// IsRetryable reports whether the keeper should just try again later instead
// of treating the reply as fatal.
func IsRetryable(err error) bool {
	apiErr, ok := errors.Cause(err).(*APIError)
	if !ok {
		// Transport-level failure, the monitor may be restarting.
		return true
	}
	return apiErr.Status >= 500
}

func (c *Client) Register(ctx context.Context, req server.RegisterRequest) (*server.RegisterResponse, error) {
	var resp server.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/register", req, &resp); err != nil {
		return nil, errors.Trace(err)
	}
	return &resp, nil
}

func (c *Client) NodeActive(ctx context.Context, req server.NodeActiveRequest) (*server.NodeActiveResponse, error) {
	var resp server.NodeActiveResponse
	if err := c.do(ctx, http.MethodPost, "/node-active", req, &resp); err != nil {
		return nil, errors.Trace(err)
	}
	return &resp, nil
}

func (c *Client) Remove(ctx context.Context, formation string, nodeID int64) error {
	req := server.RemoveRequest{Formation: formation, NodeID: nodeID}
	return errors.Trace(c.do(ctx, http.MethodDelete, "/node", req, nil))
}

func (c *Client) SetReplicationSettings(ctx context.Context, req server.ReplicationSettingsRequest) error {
	return errors.Trace(c.do(ctx, http.MethodPut, "/replication-settings", req, nil))
}

func (c *Client) PerformFailover(ctx context.Context, formation string, groupID int) error {
	req := server.FailoverRequest{Formation: formation, GroupID: groupID}
	return errors.Trace(c.do(ctx, http.MethodPost, "/failover", req, nil))
}

func (c *Client) StartMaintenance(ctx context.Context, formation string, nodeID int64) error {
	req := server.MaintenanceRequest{Formation: formation, NodeID: nodeID}
	return errors.Trace(c.do(ctx, http.MethodPost, "/maintenance/start", req, nil))
}

func (c *Client) StopMaintenance(ctx context.Context, formation string, nodeID int64) error {
	req := server.MaintenanceRequest{Formation: formation, NodeID: nodeID}
	return errors.Trace(c.do(ctx, http.MethodPost, "/maintenance/stop", req, nil))
}

func (c *Client) ListFormation(ctx context.Context, formation string) ([]server.NodeInfo, error) {
	var nodes []server.NodeInfo
	path := "/formation/" + url.PathEscape(formation)
	if err := c.do(ctx, http.MethodGet, path, nil, &nodes); err != nil {
		return nil, errors.Trace(err)
	}
	return nodes, nil
}

func (c *Client) ListGroup(ctx context.Context, formation string, groupID int) ([]server.NodeInfo, error) {
	var nodes []server.NodeInfo
	path := fmt.Sprintf("/formation/%s/group/%d", url.PathEscape(formation), groupID)
	if err := c.do(ctx, http.MethodGet, path, nil, &nodes); err != nil {
		return nil, errors.Trace(err)
	}
	return nodes, nil
}

func (c *Client) GetPrimary(ctx context.Context, formation string, groupID int) (*server.NodeInfo, error) {
	var n server.NodeInfo
	path := fmt.Sprintf("/formation/%s/group/%d/primary", url.PathEscape(formation), groupID)
	if err := c.do(ctx, http.MethodGet, path, nil, &n); err != nil {
		return nil, errors.Trace(err)
	}
	return &n, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Trace(err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+apiPrefix+path, body)
	if err != nil {
		return errors.Trace(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr server.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			apiErr.Error = resp.Status
		}
		return errors.Trace(&APIError{Status: resp.StatusCode, Message: apiErr.Error})
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
