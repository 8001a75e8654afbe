// Package endpoint is the client for the hosted agent serving endpoint.
// It posts one user prompt per call, tagged with the conversation's
// thread id, and decodes the response envelope. Retrying failed calls
// is left to the shared HTTP client.
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/aichemy-agent/internal/config"
	"github.com/nugget/aichemy-agent/internal/envelope"
	"github.com/nugget/aichemy-agent/internal/httpkit"
	"github.com/nugget/aichemy-agent/internal/telemetry"
)

// ErrNotConfigured is returned by Invoke when no endpoint URL is set.
var ErrNotConfigured = errors.New("serving endpoint not configured")

// errorBodyLimit bounds how much of a failed response is kept.
const errorBodyLimit = 4096

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("serving endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("serving endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Request is one agent invocation.
type Request struct {
	ThreadID string
	Prompt   string
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Input        []message         `json:"input"`
	CustomInputs map[string]string `json:"custom_inputs"`
	Options      *wireOptions      `json:"databricks_options,omitempty"`
}

type wireOptions struct {
	ReturnTrace bool `json:"return_trace"`
}

// Client invokes the serving endpoint.
type Client struct {
	url       string
	name      string
	skipTrace bool
	http      *http.Client
	logger    *slog.Logger
	inst      *telemetry.Instruments
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client built from the config.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithInstruments records a span and call metrics per invocation.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(cl *Client) { cl.inst = inst }
}

// New creates a Client from cfg.
func New(cfg config.EndpointConfig, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		url:       InvocationsURL(cfg.URL, cfg.Name),
		name:      cfg.Name,
		skipTrace: cfg.SkipTrace,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout()),
			httpkit.WithBearerToken(cfg.Token),
			httpkit.WithRetry(cfg.DialRetries, 2*time.Second),
			httpkit.WithLogger(logger),
		)
	}
	return c
}

// InvocationsURL builds the invocations URL for a serving endpoint. A
// base that already ends in /invocations is used as is.
func InvocationsURL(base, name string) string {
	base = strings.TrimRight(base, "/")
	if base == "" || strings.HasSuffix(base, "/invocations") {
		return base
	}
	return base + "/serving-endpoints/" + url.PathEscape(name) + "/invocations"
}

// URL returns the invocations URL the client posts to.
func (c *Client) URL() string {
	return c.url
}

// Invoke sends req and returns the decoded envelope.
func (c *Client) Invoke(ctx context.Context, req Request) (*envelope.Envelope, error) {
	if c.url == "" {
		return nil, ErrNotConfigured
	}

	ctx, span := c.inst.StartSpan(ctx, "endpoint.invoke",
		telemetry.AttrEndpoint.String(c.name),
		telemetry.AttrThreadID.String(req.ThreadID),
	)
	defer span.End()
	start := time.Now()

	env, err := c.invoke(ctx, req)

	elapsed := time.Since(start)
	c.inst.RecordEndpoint(ctx, span, c.name, elapsed, err)
	if err != nil {
		c.logger.Warn("endpoint call failed",
			"thread_id", req.ThreadID, "elapsed", elapsed.Round(time.Millisecond), "error", err)
		return nil, err
	}
	c.logger.Debug("endpoint call complete",
		"thread_id", req.ThreadID, "elapsed", elapsed.Round(time.Millisecond), "items", len(env.Output))
	return env, nil
}

func (c *Client) invoke(ctx context.Context, req Request) (*envelope.Envelope, error) {
	body := wireRequest{
		Input:        []message{{Role: "user", Content: req.Prompt}},
		CustomInputs: map[string]string{"thread_id": req.ThreadID},
	}
	if !c.skipTrace {
		body.Options = &wireOptions{ReturnTrace: true}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "endpoint request", "url", c.url, "body", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", c.url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, errorBodyLimit),
		}
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	env, err := envelope.Decode(resp.Body)
	if err != nil {
		return nil, err
	}
	return env, nil
}
