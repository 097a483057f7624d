// Package client is a thin facade over the snapshotd HTTP API for UI hooks
// and automation. It holds no state besides the caller's identity.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/tenantsnap/pkg/engine"
	"github.com/wilhg/tenantsnap/pkg/errmodel"
)

const (
	headerWorkspace = "X-Workspace-ID"
	headerActor     = "X-Actor-ID"
)

// Client calls one snapshotd instance on behalf of one workspace and actor.
type Client struct {
	base      string
	hc        *http.Client
	workspace string
	actor     string
	maxTries  uint
	backoff   func() backoff.BackOff
}

type Option func(*Client)

// WithHTTPClient replaces the traced default client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

// WithMaxTries bounds attempts for read-only calls. 1 disables retries.
func WithMaxTries(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTries = n
		}
	}
}

// WithBackOff sets the retry schedule for read-only calls.
func WithBackOff(fn func() backoff.BackOff) Option { return func(c *Client) { c.backoff = fn } }

func New(baseURL, workspaceID, actor string, opts ...Option) *Client {
	c := &Client{
		base:      strings.TrimRight(baseURL, "/"),
		hc:        &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 2 * time.Minute},
		workspace: workspaceID,
		actor:     actor,
		maxTries:  4,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Capture takes a manual snapshot of the client's workspace.
func (c *Client) Capture(ctx context.Context, reason string) (engine.CaptureResult, error) {
	var out engine.CaptureResult
	err := c.do(ctx, http.MethodPost, "/capture", map[string]string{"workspace_id": c.workspace, "reason": reason}, &out, nil)
	return out, err
}

// Preview diffs a snapshot against the workspace and returns the
// confirmation token Restore needs.
func (c *Client) Preview(ctx context.Context, snapshotID string) (engine.PreviewResult, error) {
	var out engine.PreviewResult
	err := c.do(ctx, http.MethodPost, "/preview", map[string]string{"snapshot_id": snapshotID}, &out, nil)
	return out, err
}

// Restore is never retried. When the engine reports a partial or failed
// restore the result is returned alongside the error.
func (c *Client) Restore(ctx context.Context, snapshotID, token string) (engine.RestoreResult, error) {
	var out engine.RestoreResult
	err := c.do(ctx, http.MethodPost, "/restore", map[string]string{"snapshot_id": snapshotID, "confirmation_token": token}, &out, &out)
	return out, err
}

func (c *Client) Providers(ctx context.Context) ([]engine.EffectiveProvider, error) {
	return retry(ctx, c, func() ([]engine.EffectiveProvider, error) {
		var out struct {
			Providers []engine.EffectiveProvider `json:"providers"`
		}
		err := c.do(ctx, http.MethodPost, "/providers", map[string]string{"workspace_id": c.workspace}, &out, nil)
		return out.Providers, err
	})
}

func (c *Client) Export(ctx context.Context, snapshotID string) (engine.Export, error) {
	return retry(ctx, c, func() (engine.Export, error) {
		var out engine.Export
		err := c.do(ctx, http.MethodGet, "/export?snapshot_id="+url.QueryEscape(snapshotID), nil, &out, nil)
		return out, err
	})
}

// List returns the workspace's snapshots, newest first. limit 0 lists all.
func (c *Client) List(ctx context.Context, limit int) ([]engine.SnapshotInfo, error) {
	return retry(ctx, c, func() ([]engine.SnapshotInfo, error) {
		var out struct {
			Snapshots []engine.SnapshotInfo `json:"snapshots"`
		}
		err := c.do(ctx, http.MethodGet, "/snapshots?limit="+strconv.Itoa(limit), nil, &out, nil)
		return out.Snapshots, err
	})
}

// retry repeats op on failed round trips and 5xx responses.
func retry[T any](ctx context.Context, c *Client, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err == nil || retryable(err) {
			return v, err
		}
		return v, backoff.Permanent(err)
	}, backoff.WithBackOff(c.backoff()), backoff.WithMaxTries(c.maxTries))
}

// StatusError is a non-2xx response. Err holds the decoded envelope error.
type StatusError struct {
	Status int
	Err    *errmodel.Error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("snapshotd: status %d: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// retryable accepts 5xx responses and failed round trips. A response that
// arrived but could not be decoded will not decode on a second try either.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// do sends body as JSON and decodes a 2xx response into out. On error
// responses the envelope's result field, if any, is decoded into result.
func (c *Client) do(ctx context.Context, method, path string, body, out, result any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(headerWorkspace, c.workspace)
	req.Header.Set(headerActor, c.actor)

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode/100 == 2 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	}

	var env struct {
		Error  *errmodel.Error `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Error == nil {
		env.Error = errmodel.New(errmodel.CategoryNetwork, "bad_response", strings.TrimSpace(string(raw)), map[string]any{"status": res.StatusCode})
	}
	if result != nil && len(env.Result) > 0 {
		_ = json.Unmarshal(env.Result, result)
	}
	return &StatusError{Status: res.StatusCode, Err: env.Error}
}
