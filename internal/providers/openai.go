package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/synapsehq/synapse/internal/agent"
	"github.com/synapsehq/synapse/internal/tools"
	"github.com/synapsehq/synapse/pkg/models"
)

// OpenAIConfig configures the OpenAI-compatible adapter.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL points at any OpenAI-compatible endpoint.
	BaseURL string

	// MaxRetries bounds stream-creation retries; RetryDelay is the
	// linear backoff step.
	MaxRetries int
	RetryDelay time.Duration

	// DefaultModel is used when the request does not name one.
	DefaultModel string
}

// OpenAI implements agent.LLMProvider for GPT and compatible backends.
type OpenAI struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewOpenAI creates the adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "openai".
func (p *OpenAI) Name() string { return "openai" }

// Generate streams one completion.
func (p *OpenAI) Generate(ctx context.Context, req *agent.GenerateRequest) (<-chan *agent.StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !wrapOpenAIError(lastErr).Recoverable() {
			return nil, wrapOpenAIError(lastErr)
		}
	}
	if lastErr != nil {
		return nil, wrapOpenAIError(lastErr)
	}

	chunks := make(chan *agent.StreamChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls stream incrementally; accumulate by index until the
	// finish reason arrives.
	pending := make(map[int]*models.ToolUseBlock)
	order := []int{}
	usage := &models.TokenUsage{}
	stopReason := agent.StopEndTurn

	flushTools := func() {
		for _, idx := range order {
			tc := pending[idx]
			if tc == nil || tc.ID == "" || tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage("{}")
			}
			chunks <- &agent.StreamChunk{ToolUse: tc}
		}
		pending = make(map[int]*models.ToolUseBlock)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.StreamChunk{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushTools()
				chunks <- &agent.StreamChunk{Done: true, StopReason: stopReason, Usage: usage}
				return
			}
			chunks <- &agent.StreamChunk{Err: wrapOpenAIError(err)}
			return
		}

		if response.Usage != nil {
			usage.InputOther = int64(response.Usage.PromptTokens)
			usage.Output = int64(response.Usage.CompletionTokens)
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &agent.StreamChunk{TextDelta: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if pending[idx] == nil {
				pending[idx] = &models.ToolUseBlock{}
				order = append(order, idx)
			}
			if tc.ID != "" {
				pending[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pending[idx].Input = json.RawMessage(string(pending[idx].Input) + tc.Function.Arguments)
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			stopReason = agent.StopToolUse
			flushTools()
		case openai.FinishReasonLength:
			stopReason = agent.StopMaxTokens
		}
	}
}

func convertOpenAIMessages(msgs []models.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleAssistant:
			oai := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, block := range msg.Content {
				switch block.Type {
				case models.BlockText, models.BlockContextSummary, models.BlockSkillSearch:
					oai.Content += block.AsText()
				case models.BlockToolUse:
					if block.ToolUse != nil {
						oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
							ID:   block.ToolUse.ID,
							Type: openai.ToolTypeFunction,
							Function: openai.FunctionCall{
								Name:      block.ToolUse.Name,
								Arguments: string(block.ToolUse.Input),
							},
						})
					}
				}
			}
			out = append(out, oai)

		default:
			// Tool results each become a separate "tool" role message;
			// remaining text becomes a user message.
			var text string
			for _, block := range msg.Content {
				if block.Type == models.BlockToolResult && block.ToolResult != nil {
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						ToolCallID: block.ToolResult.ToolUseID,
						Content:    block.ToolResult.Content,
					})
					continue
				}
				text += block.AsText()
			}
			if text != "" {
				role := openai.ChatMessageRoleUser
				if msg.Role == models.RoleSystem {
					role = openai.ChatMessageRoleSystem
				}
				out = append(out, openai.ChatCompletionMessage{Role: role, Content: text})
			}
		}
	}
	return out
}

func convertOpenAITools(defs []tools.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name(),
				Description: def.Description(),
				Parameters:  def.Schema(),
			},
		})
	}
	return out
}

// wrapOpenAIError maps SDK errors onto the agent taxonomy.
func wrapOpenAIError(err error) *agent.AgentError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return agent.NewAgentError(kindForStatus(apiErr.HTTPStatusCode, err), err)
	}
	return agent.NewAgentError(agent.Classify(err), err)
}
