// Package responses streams assistant turns over the Responses wire
// protocol and decodes them into turn events.
package responses

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/inspirepan/turn"
	"github.com/inspirepan/turn/transport/base"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures the Responses transport.
type Config struct {
	base.Config
}

// Option is a functional option for this transport.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithDebug enables JSONL debug logging to the specified file path.
func WithDebug(path string) Option {
	return func(c *Config) { c.DebugPath = path }
}

// WithExtraHeader adds a custom header to requests.
func WithExtraHeader(key, value string) Option {
	return func(c *Config) {
		if c.ExtraHeaders == nil {
			c.ExtraHeaders = make(map[string]string)
		}
		c.ExtraHeaders[key] = value
	}
}

// Client issues streaming requests and the follow-up calls a session needs:
// artifact content fetches and tool-call continuations. It remembers the
// most recent response id seen on its streams and resumes from it when
// submitting continuations.
//
// Client implements turn.ContentFetcher and turn.Submitter.
type Client struct {
	model string
	cfg   Config
	http  *http.Client
	debug *base.DebugLogger

	mu             sync.Mutex
	lastResponseID string
}

// New creates a Responses transport client. It reads OPENAI_API_KEY and
// OPENAI_BASE_URL from the environment if not explicitly set.
func New(model string, opts ...Option) (*Client, error) {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	base.ApplyEnvDefaults(&cfg.Config, "OPENAI_API_KEY", "OPENAI_BASE_URL")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	debug, err := base.NewDebugLogger(cfg.DebugPath)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	return &Client{
		model: model,
		cfg:   cfg,
		http:  http.DefaultClient,
		debug: debug,
	}, nil
}

// Stream issues the streaming request for the given request body JSON.
// The model and stream fields are filled in; everything else (input,
// tools, instructions) is the caller's.
func (c *Client) Stream(ctx context.Context, body string) (turn.Transport, error) {
	body, _ = sjson.Set(body, "model", c.model)
	body, _ = sjson.Set(body, "stream", true)
	return c.open(ctx, body)
}

// Streamer binds a request body to the client so the same turn parameters
// can be re-issued on retry. It implements turn.Reissuer.
type Streamer struct {
	client *Client
	body   string
}

// NewStreamer prepares a reissuable streaming request.
func (c *Client) NewStreamer(body string) *Streamer {
	return &Streamer{client: c, body: body}
}

// Open issues the initial streaming request.
func (s *Streamer) Open(ctx context.Context) (turn.Transport, error) {
	return s.client.Stream(ctx, s.body)
}

// Reissue re-issues the same request, continuing from lastResponseID.
func (s *Streamer) Reissue(ctx context.Context, lastResponseID string) (turn.Transport, error) {
	body := s.body
	if lastResponseID != "" {
		body, _ = sjson.Set(body, "previous_response_id", lastResponseID)
	}
	return s.client.Stream(ctx, body)
}

func (c *Client) open(ctx context.Context, body string) (turn.Transport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/responses", strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	if c.debug != nil {
		_ = c.debug.Log(base.NewDebugRecord("request", gjson.Parse(body).Value()))
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		data, _ := io.ReadAll(res.Body)
		return nil, apiError(res.StatusCode, data)
	}
	return &stream{client: c, decoder: ssestream.NewDecoder(res), debug: c.debug}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.ExtraHeaders {
		req.Header.Set(k, v)
	}
}

// apiError converts a non-200 response into a classified session error so
// the retry coordinator sees rate limits and server errors as transient.
func apiError(status int, body []byte) error {
	code := gjson.GetBytes(body, "error.code").String()
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = fmt.Sprintf("request failed with HTTP %d", status)
	}
	class := turn.ClassUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		class = turn.ClassAuth
	case status == http.StatusTooManyRequests || status >= 500:
		class = turn.ClassTransient
	}
	return &turn.SessionError{Class: class, Code: code, Message: msg}
}

func (c *Client) recordResponseID(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.lastResponseID = id
	c.mu.Unlock()
}

func (c *Client) previousResponseID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponseID
}

// FetchContainerFile downloads the content of a container-scoped file.
func (c *Client) FetchContainerFile(ctx context.Context, containerID, fileID string) ([]byte, error) {
	return c.get(ctx, fmt.Sprintf("/containers/%s/files/%s/content", containerID, fileID))
}

// FetchFile downloads the content of a generic file reference.
func (c *Client) FetchFile(ctx context.Context, fileID string) ([]byte, error) {
	return c.get(ctx, fmt.Sprintf("/files/%s/content", fileID))
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, apiError(res.StatusCode, data)
	}
	return data, nil
}

// SubmitApproval sends a human approval decision so the backend can resume
// the gated MCP call.
func (c *Client) SubmitApproval(ctx context.Context, approvalID string, approve bool, reason string) error {
	item := `{"type":"mcp_approval_response"}`
	item, _ = sjson.Set(item, "approval_request_id", approvalID)
	item, _ = sjson.Set(item, "approve", approve)
	if reason != "" {
		item, _ = sjson.Set(item, "reason", reason)
	}
	return c.submitInput(ctx, item)
}

// SubmitToolOutput sends a computed computer-use screenshot so the backend
// can resume the action loop.
func (c *Client) SubmitToolOutput(ctx context.Context, itemID, output string) error {
	item := `{"type":"computer_call_output","output":{"type":"computer_screenshot"}}`
	item, _ = sjson.Set(item, "call_id", itemID)
	item, _ = sjson.Set(item, "output.image_url", "data:image/png;base64,"+output)
	return c.submitInput(ctx, item)
}

func (c *Client) submitInput(ctx context.Context, inputItem string) error {
	body := `{}`
	body, _ = sjson.Set(body, "model", c.model)
	body, _ = sjson.SetRaw(body, "input.-1", inputItem)
	if prev := c.previousResponseID(); prev != "" {
		body, _ = sjson.Set(body, "previous_response_id", prev)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/responses", bytes.NewReader([]byte(body)))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(res.Body)
		return apiError(res.StatusCode, data)
	}
	return nil
}

var (
	_ turn.ContentFetcher = (*Client)(nil)
	_ turn.Submitter      = (*Client)(nil)
	_ turn.Reissuer       = (*Streamer)(nil)
)
