// Package turn reconciles a streamed assistant turn into message state.
//
// A backend streams one assistant turn as an ordered sequence of typed
// events. Start consumes that stream on a single goroutine, folds every
// event into the canonical MessageState, coordinates background work
// (artifact fetches, computer-use follow-ups, human approvals) and decides
// retry versus terminal failure. Observers render read-only snapshots; they
// never mutate state.
package turn

import (
	"context"
	"log/slog"
	"time"
)

// Transport yields decoded stream events in arrival order. Next returns
// io.EOF when the stream ends. Close must be safe after a partial read.
type Transport interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Reissuer re-issues the streaming request for a retry, resuming from the
// last recorded response id.
type Reissuer interface {
	Reissue(ctx context.Context, lastResponseID string) (Transport, error)
}

// ContentFetcher retrieves out-of-band generated content referenced by
// annotations.
type ContentFetcher interface {
	FetchContainerFile(ctx context.Context, containerID, fileID string) ([]byte, error)
	FetchFile(ctx context.Context, fileID string) ([]byte, error)
}

// Submitter sends a continuation payload so the backend can resume a
// specific tool call.
type Submitter interface {
	SubmitApproval(ctx context.Context, approvalID string, approve bool, reason string) error
	SubmitToolOutput(ctx context.Context, itemID string, output string) error
}

// TurnRequest configures one assistant turn.
type TurnRequest struct {
	// MessageID identifies the message being populated.
	MessageID string
	// Transport is the already-open event stream for this turn.
	Transport Transport
	// Reissuer enables transparent retry. Optional; without it transient
	// failures are terminal.
	Reissuer Reissuer
	// Fetcher resolves artifact annotations. Optional; without it artifact
	// annotations surface as error artifacts.
	Fetcher ContentFetcher
	// Submitter forwards approval decisions and computed tool outputs.
	// Optional; without it approvals resolve locally only.
	Submitter Submitter
}

type config struct {
	logger         *slog.Logger
	estimator      Estimator
	flushThreshold int
	maxAttempts    int
	retryInterval  time.Duration
	pollAttempts   int
	pollInterval   time.Duration
	artifacts      *ArtifactCache
	auth           *AuthRegistry
	mcpFailures    *FailureRegistry
	fetchLimit     int64
}

// Option customizes a session.
type Option func(*config)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithEstimator sets the output-token estimator used while streaming.
func WithEstimator(e Estimator) Option {
	return func(c *config) { c.estimator = e }
}

// WithFlushThreshold sets the coalescer's forced-flush byte threshold.
func WithFlushThreshold(n int) Option {
	return func(c *config) { c.flushThreshold = n }
}

// WithMaxAttempts bounds automatic retries of transient failures.
func WithMaxAttempts(n int) Option {
	return func(c *config) { c.maxAttempts = n }
}

// WithRetryInterval sets the fixed wait between retry attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *config) { c.retryInterval = d }
}

// WithPollPolicy bounds the computer-use follow-up polling loop.
func WithPollPolicy(attempts int, interval time.Duration) Option {
	return func(c *config) {
		c.pollAttempts = attempts
		c.pollInterval = interval
	}
}

// WithArtifactCache shares an artifact cache across sessions.
func WithArtifactCache(cache *ArtifactCache) Option {
	return func(c *config) { c.artifacts = cache }
}

// WithAuthRegistry shares cached integration authorization state.
func WithAuthRegistry(reg *AuthRegistry) Option {
	return func(c *config) { c.auth = reg }
}

// WithFailureRegistry shares the per-server MCP failure de-duplication map.
func WithFailureRegistry(reg *FailureRegistry) Option {
	return func(c *config) { c.mcpFailures = reg }
}

func defaultConfig() config {
	return config{
		logger:         slog.Default(),
		estimator:      HeuristicEstimator{},
		flushThreshold: defaultFlushThreshold,
		maxAttempts:    3,
		retryInterval:  2 * time.Second,
		pollAttempts:   10,
		pollInterval:   time.Second,
		fetchLimit:     4,
	}
}

// Start begins consuming the turn's event stream and returns the live
// session. The returned session owns req.Transport.
func Start(ctx context.Context, req TurnRequest, opts ...Option) (*Session, error) {
	if req.Transport == nil {
		return nil, ErrNoTransport
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.artifacts == nil {
		cfg.artifacts = NewArtifactCache(cfg.fetchLimit)
	}
	if cfg.auth == nil {
		cfg.auth = NewAuthRegistry()
	}
	if cfg.mcpFailures == nil {
		cfg.mcpFailures = NewFailureRegistry()
	}

	s := newSession(ctx, req, cfg)
	go s.run()
	return s, nil
}
