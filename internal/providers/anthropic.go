// Package providers implements the agent.LLMProvider boundary for the
// model backends Synapse supports: Anthropic Claude and OpenAI-compatible
// APIs. Each adapter converts history to the wire format, streams the
// response back as chunks, and maps transport failures onto the agent
// error taxonomy.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/synapsehq/synapse/internal/agent"
	"github.com/synapsehq/synapse/internal/tools"
	"github.com/synapsehq/synapse/pkg/models"
)

// maxEmptyStreamEvents guards against malformed streams that flood empty
// events.
const maxEmptyStreamEvents = 300

// AnthropicConfig configures the Claude adapter.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies.
	BaseURL string

	// MaxRetries bounds stream-creation retries on transient failures.
	MaxRetries int

	// RetryDelay is the backoff base; actual delay doubles per attempt.
	RetryDelay time.Duration

	// DefaultModel is used when the request does not name one.
	DefaultModel string
}

// Anthropic implements agent.LLMProvider on the official SDK.
type Anthropic struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewAnthropic creates the adapter.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5"
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(options...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (p *Anthropic) Name() string { return "anthropic" }

// Generate streams one completion. Stream-creation failures retry with
// exponential backoff when transient; all errors reach the channel as a
// classified chunk error.
func (p *Anthropic) Generate(ctx context.Context, req *agent.GenerateRequest) (<-chan *agent.StreamChunk, error) {
	chunks := make(chan *agent.StreamChunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}
			wrapped := p.wrapError(err)
			if !wrapped.Recoverable() || attempt == p.maxRetries {
				chunks <- &agent.StreamChunk{Err: wrapped}
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				chunks <- &agent.StreamChunk{Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}
		p.processStream(stream, chunks)
	}()
	return chunks, nil
}

func (p *Anthropic) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *Anthropic) createStream(ctx context.Context, req *agent.GenerateRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	if req.Thinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(10000)
	}
	return p.client.Messages.NewStreaming(ctx, params), nil
}

func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.StreamChunk) {
	var currentTool *models.ToolUseBlock
	var currentInput strings.Builder
	usage := &models.TokenUsage{}
	emptyEvents := 0
	stopReason := agent.StopEndTurn

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputOther = start.Message.Usage.InputTokens
			usage.InputCacheRead = start.Message.Usage.CacheReadInputTokens
			usage.InputCacheCreation = start.Message.Usage.CacheCreationInputTokens
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &models.ToolUseBlock{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.StreamChunk{TextDelta: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.StreamChunk{ThinkingDelta: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				input := currentInput.String()
				if input == "" {
					input = "{}"
				}
				currentTool.Input = json.RawMessage(input)
				chunks <- &agent.StreamChunk{ToolUse: currentTool}
				currentTool = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.Output = delta.Usage.OutputTokens
			}
			if delta.Delta.StopReason == "tool_use" {
				stopReason = agent.StopToolUse
			} else if delta.Delta.StopReason == "max_tokens" {
				stopReason = agent.StopMaxTokens
			}
			processed = true

		case "message_stop":
			chunks <- &agent.StreamChunk{Done: true, StopReason: stopReason, Usage: usage}
			return

		case "error":
			chunks <- &agent.StreamChunk{Err: p.wrapError(errors.New("anthropic: stream error"))}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- &agent.StreamChunk{Err: agent.NewAgentError(agent.KindStreamInterrupted,
					fmt.Errorf("anthropic: %d consecutive empty stream events", emptyEvents))}
				return
			}
		}
	}
	if err := stream.Err(); err != nil {
		chunks <- &agent.StreamChunk{Err: p.wrapError(err)}
		return
	}
	// Stream ended without message_stop.
	chunks <- &agent.StreamChunk{Err: agent.NewAgentError(agent.KindStreamInterrupted,
		errors.New("anthropic: stream ended before message_stop"))}
}

func convertAnthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText, models.BlockSkillSearch, models.BlockContextSummary:
				if t := block.AsText(); t != "" {
					content = append(content, anthropic.NewTextBlock(t))
				}
			case models.BlockToolResult:
				if block.ToolResult != nil {
					content = append(content, anthropic.NewToolResultBlock(
						block.ToolResult.ToolUseID,
						block.ToolResult.Content,
						block.ToolResult.IsError,
					))
				}
			case models.BlockToolUse:
				if block.ToolUse != nil {
					var input map[string]any
					if err := json.Unmarshal(block.ToolUse.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool_use input for %s: %w", block.ToolUse.ID, err)
					}
					content = append(content, anthropic.NewToolUseBlock(
						block.ToolUse.ID,
						input,
						block.ToolUse.Name,
					))
				}
			case models.BlockThinking:
				// Thinking blocks are not replayed.
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertAnthropicTools(defs []tools.Tool) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", def.Name(), err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, def.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for %s", def.Name())
		}
		param.OfTool.Description = anthropic.String(def.Description())
		out = append(out, param)
	}
	return out, nil
}

// wrapError maps SDK errors onto the agent taxonomy.
func (p *Anthropic) wrapError(err error) *agent.AgentError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind := kindForStatus(apiErr.StatusCode, err)
		wrapped := agent.NewAgentError(kind, err)
		if kind == agent.KindRateLimit && apiErr.Response != nil {
			if retry := apiErr.Response.Header.Get("retry-after"); retry != "" {
				if d, perr := time.ParseDuration(retry + "s"); perr == nil {
					wrapped.RetryAfter = d
				}
			}
		}
		return wrapped
	}
	return agent.NewAgentError(agent.Classify(err), err)
}

func kindForStatus(status int, err error) agent.ErrorKind {
	switch status {
	case 401, 403:
		return agent.KindAuthentication
	case 404:
		return agent.KindModelNotFound
	case 429:
		return agent.KindRateLimit
	case 400:
		if strings.Contains(strings.ToLower(err.Error()), "too long") ||
			strings.Contains(strings.ToLower(err.Error()), "context") {
			return agent.KindContextLength
		}
		return agent.KindConfiguration
	case 500, 502, 503, 504, 529:
		return agent.KindStreamInterrupted
	default:
		return agent.Classify(err)
	}
}
