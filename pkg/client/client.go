package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/qcforge/qcforge/pkg/compress"
	"github.com/qcforge/qcforge/pkg/types"
)

// RemoteError is an error response from the server. Shutdown mirrors
// the server-side manager error: the manager no longer owns any
// server-side state and should terminate instead of retrying.
type RemoteError struct {
	StatusCode int
	Message    string
	Shutdown   bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Client is the compute-manager side of the wire protocol. One client
// represents one manager identity for its whole lifetime.
type Client struct {
	baseURL  string
	http     *http.Client
	nameData types.ManagerNameData
	programs map[string]string
	tags     []string
	version  string
}

// Options configure a manager client
type Options struct {
	Cluster  string
	Hostname string
	Programs map[string]string
	Tags     []string
	Version  string
	Timeout  time.Duration
}

// New creates a manager client with a fresh identity. The hostname
// defaults to the local hostname and the UUID is generated.
func New(baseURL string, opts Options) *Client {
	if opts.Hostname == "" {
		opts.Hostname, _ = os.Hostname()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: opts.Timeout},
		nameData: types.ManagerNameData{
			Cluster:  opts.Cluster,
			Hostname: opts.Hostname,
			UUID:     uuid.NewString(),
		},
		programs: opts.Programs,
		tags:     opts.Tags,
		version:  opts.Version,
	}
}

// Name returns the manager's full name
func (c *Client) Name() string { return c.nameData.FullName() }

// Activate registers the manager with the server
func (c *Client) Activate(ctx context.Context) (*types.ComputeManager, error) {
	body := types.ActivateBody{
		NameData:       c.nameData,
		ManagerVersion: c.version,
		Programs:       c.programs,
		Tags:           c.tags,
	}
	var mgr types.ComputeManager
	if err := c.post(ctx, "/compute/v1/managers", body, &mgr); err != nil {
		return nil, err
	}
	return &mgr, nil
}

// Heartbeat reports resource usage and keeps the manager active
func (c *Client) Heartbeat(ctx context.Context, body types.HeartbeatBody) error {
	body.Status = types.ManagerStatusActive
	return c.do(ctx, http.MethodPatch, "/compute/v1/managers/"+url.PathEscape(c.Name()), body, nil)
}

// Deactivate shuts the manager down cleanly, returning its claimed
// tasks to the queue.
func (c *Client) Deactivate(ctx context.Context) error {
	body := types.HeartbeatBody{Status: types.ManagerStatusInactive}
	return c.do(ctx, http.MethodPatch, "/compute/v1/managers/"+url.PathEscape(c.Name()), body, nil)
}

// Claim asks for up to limit tasks matching the manager's programs and
// tags.
func (c *Client) Claim(ctx context.Context, limit int) ([]*types.RecordTask, error) {
	body := types.ClaimBody{
		NameData: c.nameData,
		Programs: c.programs,
		Tags:     c.tags,
		Limit:    limit,
	}
	var tasks []*types.RecordTask
	if err := c.post(ctx, "/compute/v1/tasks/claim", body, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Return sends finished results back, keyed by task id. Each result is
// zstd-compressed individually before the batch goes on the wire.
func (c *Client) Return(ctx context.Context, results map[int64]types.ResultEnvelope) (*types.TaskReturnMetadata, error) {
	blobs := make(map[int64][]byte, len(results))
	for id, env := range results {
		payload, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("encode result for task %d: %w", id, err)
		}
		data, err := compress.Compress(payload, types.CompressionZstd, compress.DefaultLevel)
		if err != nil {
			return nil, fmt.Errorf("compress result for task %d: %w", id, err)
		}
		blobs[id] = data
	}
	body := types.ReturnBody{NameData: c.nameData, ResultsCompressed: blobs}
	var meta types.TaskReturnMetadata
	if err := c.post(ctx, "/compute/v1/tasks/return", body, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// do sends one request with exponential backoff on transport errors
// and 5xx responses. 4xx responses and shutdown errors are permanent.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			data, _ := io.ReadAll(resp.Body)
			return &RemoteError{StatusCode: resp.StatusCode, Message: string(data)}
		}
		if resp.StatusCode >= 400 {
			var eb struct {
				Error    string `json:"error"`
				Shutdown bool   `json:"shutdown"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&eb)
			return backoff.Permanent(&RemoteError{
				StatusCode: resp.StatusCode,
				Message:    eb.Error,
				Shutdown:   eb.Shutdown,
			})
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(operation, policy)
}
