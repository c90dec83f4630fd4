package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robosystems/graphcore/infrastructure/resilience"
)

// APIClient is the collaborator a Remote repository talks to: a remote
// graph-API endpoint (out of core scope per §1 — this is the contract the
// core consumes, not an HTTP server implementation).
type APIClient struct {
	httpClient *http.Client
	baseURL    string
	graphID    string
	readOnly   bool
}

// NewAPIClient builds a client against baseURL for graphID.
func NewAPIClient(baseURL, graphID string, readOnly bool, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &APIClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		graphID:    graphID,
		readOnly:   readOnly,
	}
}

type queryRequest struct {
	Cypher string         `json:"cypher"`
	Params map[string]any `json:"params,omitempty"`
}

type queryResponse struct {
	Rows  []map[string]any `json:"rows"`
	Error string            `json:"error,omitempty"`
}

// Remote is the remote-client variant: every operation suspends on network
// I/O via the standard blocking net/http call, made cancellable through
// ctx (§5 — remote-repository operations suspend on network I/O; direct
// ones do not). Transient failures are retried with the same backoff
// policy the rest of the core uses.
type Remote struct {
	client *APIClient
}

// NewRemote wraps client.
func NewRemote(client *APIClient) *Remote {
	return &Remote{client: client}
}

func (r *Remote) Kind() Kind           { return KindRemote }
func (r *Remote) DatabaseName() string { return r.client.graphID }
func (r *Remote) ReadOnly() bool       { return r.client.readOnly }

func (r *Remote) ExecuteQuery(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	var resp queryResponse
	err := r.postWithRetry(ctx, "/query", queryRequest{Cypher: cypher, Params: params}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("remote query failed: %s", resp.Error)
	}
	return resp.Rows, nil
}

// ExecuteQueryRaw satisfies streaming.BatchQuerier; the remote API does not
// report a separate column list, so it's derived from the first row.
func (r *Remote) ExecuteQueryRaw(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, []string, error) {
	rows, err := r.ExecuteQuery(ctx, cypher, params)
	if err != nil {
		return nil, nil, err
	}
	var columns []string
	if len(rows) > 0 {
		columns = make([]string, 0, len(rows[0]))
		for k := range rows[0] {
			columns = append(columns, k)
		}
	}
	return rows, columns, nil
}

func (r *Remote) ExecuteSingle(ctx context.Context, cypher string, params map[string]any) (map[string]any, bool, error) {
	rows, err := r.ExecuteQuery(ctx, cypher, params)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func (r *Remote) ExecuteTransaction(ctx context.Context, ops []Operation) ([][]map[string]any, error) {
	var resp struct {
		Results [][]map[string]any `json:"results"`
		Error   string              `json:"error,omitempty"`
	}
	err := r.postWithRetry(ctx, "/transaction", map[string]any{"operations": ops}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return resp.Results, fmt.Errorf("remote transaction failed: %s", resp.Error)
	}
	return resp.Results, nil
}

func (r *Remote) CountNodes(ctx context.Context, label string, filters map[string]any) (int, error) {
	var resp struct {
		Count int    `json:"count"`
		Error string `json:"error,omitempty"`
	}
	err := r.postWithRetry(ctx, "/count", map[string]any{"label": label, "filters": filters}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("remote count failed: %s", resp.Error)
	}
	return resp.Count, nil
}

func (r *Remote) NodeExists(ctx context.Context, label string, filters map[string]any) (bool, error) {
	var resp struct {
		Exists bool   `json:"exists"`
		Error  string `json:"error,omitempty"`
	}
	err := r.postWithRetry(ctx, "/exists", map[string]any{"label": label, "filters": filters}, &resp)
	if err != nil {
		return false, err
	}
	if resp.Error != "" {
		return false, fmt.Errorf("remote node_exists failed: %s", resp.Error)
	}
	return resp.Exists, nil
}

func (r *Remote) HealthCheck(ctx context.Context) (HealthStatus, error) {
	var resp struct {
		Healthy bool   `json:"healthy"`
		Detail  string `json:"detail,omitempty"`
	}
	err := r.postWithRetry(ctx, "/health", struct{}{}, &resp)
	if err != nil {
		return HealthStatus{Healthy: false, Detail: err.Error()}, err
	}
	return HealthStatus{Healthy: resp.Healthy, Detail: resp.Detail}, nil
}

func (r *Remote) Close() error { return nil }

func (r *Remote) postWithRetry(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	return resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.client.baseURL+"/databases/"+r.client.graphID+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := r.client.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("remote graph api returned %d: %s", resp.StatusCode, string(respBody))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("remote graph api returned %d: %s", resp.StatusCode, string(respBody)))
		}
		if len(respBody) == 0 {
			return nil
		}
		return json.Unmarshal(respBody, out)
	})
}
