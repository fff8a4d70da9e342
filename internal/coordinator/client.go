// ABOUTME: HTTP client for the upstream run coordinator API
// ABOUTME: Translates transport and status failures into the gateway's closed error kinds

package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/run-gateway/internal/run"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRetryBackoff   = 200 * time.Millisecond
	defaultStreamBuffer   = 64

	// maxErrorBody caps how much of an upstream error response is read
	// for diagnostics.
	maxErrorBody = 64 * 1024
)

// Config holds the coordinator connection settings.
type Config struct {
	// BaseURL is the coordinator endpoint. A trailing slash or /v1
	// suffix is stripped; the client appends /v1/... paths itself.
	BaseURL string

	// BearerToken is sent as the Authorization header when set.
	BearerToken string

	// RequestTimeout bounds each non-streaming request. Defaults to 30s.
	RequestTimeout time.Duration

	// GetRetries is how many extra attempts a failed read gets when the
	// coordinator looks unavailable. Writes are never retried.
	GetRetries int

	// RetryBackoff is the pause between attempts. Defaults to 200ms.
	RetryBackoff time.Duration

	// StreamBuffer is the event channel capacity for StreamRun. A reader
	// that falls this far behind is disconnected. Defaults to 64.
	StreamBuffer int
}

// Client talks to the run coordinator. All methods classify failures into
// the run package's error kinds: transport errors, timeouts and 5xx
// responses become run.ErrUpstreamUnavailable, coordinator 4xx responses
// map onto the matching kind.
type Client struct {
	cfg    Config
	api    *http.Client
	stream *http.Client
	logger *slog.Logger
}

// New creates a coordinator client. The streaming client carries no
// global timeout, since an event stream stays open as long as the run
// does; only its connection phase is bounded.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = normalizeBaseURL(cfg.BaseURL)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.GetRetries < 0 {
		cfg.GetRetries = 0
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}

	streamTransport := http.DefaultTransport.(*http.Transport).Clone()
	streamTransport.ResponseHeaderTimeout = cfg.RequestTimeout

	return &Client{
		cfg:    cfg,
		api:    &http.Client{Timeout: cfg.RequestTimeout},
		stream: &http.Client{Transport: streamTransport},
		logger: logger.With("component", "coordinator"),
	}
}

// normalizeBaseURL strips a trailing slash and a trailing /v1 so
// configuration accepts either form of the coordinator address.
func normalizeBaseURL(url string) string {
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, "/v1")
	return url
}

// BaseURL returns the normalized coordinator address.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

type startRequest struct {
	Input json.RawMessage `json:"input"`
	Owner string          `json:"owner,omitempty"`
}

// StartRun submits a run to the coordinator. Never retried: a retry
// could create a second run.
func (c *Client) StartRun(ctx context.Context, input json.RawMessage, owner string) (*run.Run, error) {
	body, err := json.Marshal(startRequest{Input: input, Owner: owner})
	if err != nil {
		return nil, fmt.Errorf("encoding start request: %w", err)
	}
	var r run.Run
	if err := c.doJSON(ctx, http.MethodPost, "/v1/runs", body, &r); err != nil {
		return nil, err
	}
	if err := checkRunPayload(&r); err != nil {
		return nil, err
	}
	c.logger.Debug("run started upstream", "run_id", r.ID)
	return &r, nil
}

// GetRun fetches a run's current state. Reads are idempotent, so a
// coordinator that looks unavailable is retried GetRetries times with
// RetryBackoff between attempts.
func (c *Client) GetRun(ctx context.Context, id string) (*run.Run, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.GetRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("waiting to retry: %w", ctx.Err())
			case <-time.After(c.cfg.RetryBackoff):
			}
			c.logger.Debug("retrying run fetch", "run_id", id, "attempt", attempt)
		}
		r, err := c.getRunOnce(ctx, id)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if !errors.Is(err, run.ErrUpstreamUnavailable) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) getRunOnce(ctx context.Context, id string) (*run.Run, error) {
	var r run.Run
	if err := c.doJSON(ctx, http.MethodGet, "/v1/runs/"+id, nil, &r); err != nil {
		return nil, err
	}
	if err := checkRunPayload(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CancelRun asks the coordinator to cancel a run. Never retried: the
// first attempt may have landed even when the response was lost.
func (c *Client) CancelRun(ctx context.Context, id string) (*run.Run, error) {
	var r run.Run
	if err := c.doJSON(ctx, http.MethodPost, "/v1/runs/"+id+"/cancel", nil, &r); err != nil {
		return nil, err
	}
	if err := checkRunPayload(&r); err != nil {
		return nil, err
	}
	c.logger.Debug("run cancelled upstream", "run_id", id, "status", r.Status)
	return &r, nil
}

// Health reports the coordinator's own health status string.
func (c *Client) Health(ctx context.Context) (string, error) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &payload); err != nil {
		return "", err
	}
	if payload.Status == "" {
		payload.Status = "ok"
	}
	return payload.Status, nil
}

// doJSON performs one request and decodes a 2xx response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.api.Do(req)
	if err != nil {
		return c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", run.ErrUpstreamUnavailable, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
}

// transportError classifies a failed round trip. A request cut short by
// the caller's own context is not an upstream problem.
func (c *Client) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("request aborted: %w", ctx.Err())
	}
	return fmt.Errorf("%w: %v", run.ErrUpstreamUnavailable, err)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusError maps a non-2xx coordinator response onto an error kind.
// The upstream message rides along for logs.
func (c *Client) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := upstreamMessage(raw, resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", run.ErrInvalidInput, msg)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", run.ErrForbidden, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", run.ErrNotFound, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", run.ErrUpstreamUnavailable, msg)
	}
	return fmt.Errorf("unexpected coordinator status %d: %s", resp.StatusCode, msg)
}

// upstreamMessage extracts the error text from a coordinator response
// body, falling back to the raw body when it is not the usual JSON shape.
func upstreamMessage(raw []byte, status int) string {
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
		return eb.Error
	}
	if len(raw) > 0 {
		return string(raw)
	}
	return fmt.Sprintf("status %d", status)
}

// checkRunPayload rejects coordinator responses that do not carry a
// usable run record.
func checkRunPayload(r *run.Run) error {
	if r.ID == "" {
		return fmt.Errorf("%w: response missing run id", run.ErrUpstreamUnavailable)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: response has unknown status %q", run.ErrUpstreamUnavailable, r.Status)
	}
	return nil
}
