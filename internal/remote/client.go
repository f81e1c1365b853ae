// Package remote is the HTTP client for the remote task store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperengineering/todosync/internal/types"
	"github.com/sethvargo/go-retry"
)

const maxErrorBody = 4096

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
	HTTPClient *http.Client
}

// Client calls the remote store API.
type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	maxRetries uint64
	retryBase  time.Duration
}

// New creates a Client. Zero values in cfg fall back to defaults.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		http:       hc,
		maxRetries: uint64(cfg.MaxRetries),
		retryBase:  cfg.RetryBase,
	}
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping checks that the remote store is reachable. It is not retried.
func (c *Client) Ping(ctx context.Context) (*types.HealthResponse, error) {
	var health types.HealthResponse
	if err := c.once(ctx, "ping", http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// List returns every record held by the remote store.
func (c *Client) List(ctx context.Context) ([]types.Task, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list tasks", http.MethodGet, "/tasks", nil, &raw); err != nil {
		return nil, err
	}

	var resp types.ListResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		// some deployments answer with a bare array
		var items []types.Task
		if aerr := json.Unmarshal(raw, &items); aerr != nil {
			return nil, &Error{Op: "list tasks", Err: fmt.Errorf("decode response: %w", err)}
		}
		return items, nil
	}
	if resp.Items == nil {
		resp.Items = []types.Task{}
	}
	return resp.Items, nil
}

// Create stores a new record. Setting req.ClientID makes the call
// idempotent on servers that upsert by client key.
func (c *Client) Create(ctx context.Context, req types.CreateRequest) (*types.Task, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "create task", http.MethodPost, "/tasks", req, &raw); err != nil {
		return nil, err
	}

	var wrapped struct {
		Task *types.Task `json:"task"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Task != nil {
		return wrapped.Task, nil
	}
	var task types.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, &Error{Op: "create task", Err: fmt.Errorf("decode response: %w", err)}
	}
	if task.ID == "" {
		return nil, &Error{Op: "create task", Err: errors.New("response carries no id")}
	}
	return &task, nil
}

// Update applies changed fields to the record with the given server identifier.
func (c *Client) Update(ctx context.Context, serverID string, ch types.Changes) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, "update task", http.MethodPut, "/tasks/"+url.PathEscape(serverID), ch, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Delete removes the record with the given server identifier. A record
// that is already gone is not an error; deleted reports whether this call
// removed it.
func (c *Client) Delete(ctx context.Context, serverID string) (deleted bool, err error) {
	var resp types.DeleteResponse
	err = c.do(ctx, "delete task", http.MethodDelete, "/tasks/"+url.PathEscape(serverID), nil, &resp)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Deleted || !resp.OK, nil
}

// BulkSync upserts entries keyed by client identifier and returns the
// server identifier assigned to each.
func (c *Client) BulkSync(ctx context.Context, entries []types.BulkSyncEntry) ([]types.IDMapping, error) {
	var resp types.BulkSyncResponse
	req := types.BulkSyncRequest{Tasks: entries}
	if err := c.do(ctx, "bulk sync", http.MethodPost, "/tasks/bulksync", req, &resp); err != nil {
		return nil, err
	}
	return resp.Mapping, nil
}

// do performs a request with bounded retries on transient failures.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	b := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.once(ctx, op, method, path, body, out)
		var re *Error
		if !errors.As(err, &re) || IsCanceled(err) {
			return err
		}
		if (re.StatusCode == 0 && re.Transient) || retryableStatus(re.StatusCode) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) once(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
			Detail:     problemDetail(resp.Body),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// problemDetail extracts a human-readable message from an error body,
// understanding RFC 7807 documents and {"message": ...} objects.
func problemDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	var p struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &p) == nil {
		for _, s := range []string{p.Detail, p.Message, p.Error} {
			if s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(data))
}
