// Package anthropic normalizes an Anthropic Messages stream into the
// subset of turn events it can express: text, tool-call construction and
// terminal usage. Approvals, artifacts and computer use never appear on
// this path.
package anthropic

import (
	"context"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/inspirepan/turn"
	"github.com/inspirepan/turn/transport/base"
)

// Config configures the Anthropic Messages transport.
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

// Client issues streaming Messages requests. It reads ANTHROPIC_API_KEY
// and ANTHROPIC_BASE_URL from the environment if not explicitly set.
type Client struct {
	cfg    Config
	client anthropic.Client
}

func New(opts ...Option) *Client {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	base.ApplyEnvDefaults(&cfg.Config, "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL")

	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{cfg: cfg, client: anthropic.NewClient(clientOpts...)}
}

// Stream opens a streaming request and returns it as a turn.Transport.
func (c *Client) Stream(ctx context.Context, params anthropic.MessageNewParams) (turn.Transport, error) {
	raw := c.client.Messages.NewStreaming(ctx, params)
	return &stream{raw: raw, blocks: make(map[int64]blockState)}, nil
}

type blockState struct {
	itemID string
	tool   bool
	args   string
}

// stream adapts the SDK event union. One SDK event can expand to more than
// one normalized event, so decoded events queue in pending.
type stream struct {
	raw    *ssestream.Stream[anthropic.MessageStreamEventUnion]
	blocks map[int64]blockState

	pending    []turn.Event
	seq        int64
	responseID string
	usage      turn.Usage
	done       bool
}

func (s *stream) Next(ctx context.Context) (turn.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if !s.raw.Next() {
			if err := s.raw.Err(); err != nil {
				return nil, err
			}
			s.done = true
			continue
		}
		s.decode(s.raw.Current())
	}
}

func (s *stream) Close() error {
	return s.raw.Close()
}

func (s *stream) env() turn.Envelope {
	s.seq++
	return turn.Envelope{Seq: s.seq, ResponseID: s.responseID}
}

func (s *stream) emit(ev turn.Event) {
	s.pending = append(s.pending, ev)
}

func (s *stream) decode(event anthropic.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		s.responseID = ev.Message.ID
		s.usage.InputTokens = int(ev.Message.Usage.InputTokens)
		s.emit(turn.CreatedEvent{Envelope: s.env()})

	case anthropic.ContentBlockStartEvent:
		switch block := ev.ContentBlock.AsAny().(type) {
		case anthropic.ToolUseBlock:
			s.blocks[ev.Index] = blockState{itemID: block.ID, tool: true}
			s.emit(turn.ItemAddedEvent{Envelope: s.env(), Item: turn.OutputItem{
				ID:     block.ID,
				Kind:   turn.ToolFunction,
				Status: turn.ItemInProgress,
				Name:   block.Name,
			}})
		default:
			s.blocks[ev.Index] = blockState{}
		}

	case anthropic.ContentBlockDeltaEvent:
		state := s.blocks[ev.Index]
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			s.emit(turn.TextDeltaEvent{Envelope: s.env(), Delta: delta.Text})
		case anthropic.InputJSONDelta:
			if state.tool && delta.PartialJSON != "" {
				state.args += delta.PartialJSON
				s.blocks[ev.Index] = state
				s.emit(turn.ArgsDeltaEvent{Envelope: s.env(), ItemID: state.itemID, Delta: delta.PartialJSON})
			}
		}

	case anthropic.ContentBlockStopEvent:
		state := s.blocks[ev.Index]
		if state.tool {
			s.emit(turn.ArgsDoneEvent{Envelope: s.env(), ItemID: state.itemID, Arguments: state.args})
			s.emit(turn.ItemDoneEvent{Envelope: s.env(), Item: turn.OutputItem{
				ID:        state.itemID,
				Kind:      turn.ToolFunction,
				Status:    turn.ItemCompleted,
				Arguments: state.args,
			}})
		}
		delete(s.blocks, ev.Index)

	case anthropic.MessageDeltaEvent:
		s.usage.OutputTokens = int(ev.Usage.OutputTokens)
		s.usage.TotalTokens = s.usage.InputTokens + s.usage.OutputTokens

	case anthropic.MessageStopEvent:
		usage := s.usage
		s.emit(turn.CompletedEvent{Envelope: s.env(), Usage: &usage})
	}
}

var _ turn.Transport = (*stream)(nil)
