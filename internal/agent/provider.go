package agent

import (
	"context"

	"github.com/synapsehq/synapse/internal/tools"
	"github.com/synapsehq/synapse/pkg/models"
)

// StopReason is the provider's reason for ending a generation.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// GenerateRequest carries everything a provider needs for one LLM round.
type GenerateRequest struct {
	Model       string
	System      string
	Messages    []models.Message
	Tools       []tools.Tool
	MaxTokens   int
	Temperature float64
	Thinking    bool
}

// StreamChunk is one unit of a provider's streamed response. The final chunk
// has Done set with the stop reason and round usage.
type StreamChunk struct {
	TextDelta     string
	ThinkingDelta string
	ToolUse       *models.ToolUseBlock // complete tool invocation
	Done          bool
	StopReason    StopReason
	Usage         *models.TokenUsage
	Err           error
}

// LLMProvider is the transport boundary to a model backend.
//
// Implementations must be safe for concurrent use; each Generate call owns
// its channel and closes it when the stream ends. Provider errors are mapped
// to the AgentError taxonomy before being placed on the channel.
type LLMProvider interface {
	// Generate streams a completion for the request. The returned channel is
	// closed after the Done (or error) chunk.
	Generate(ctx context.Context, req *GenerateRequest) (<-chan *StreamChunk, error)

	// Name returns the provider identifier ("anthropic", "openai", ...).
	Name() string
}

// TokenCounter estimates token counts for history sizing. Implementations
// are pure and deterministic per model.
type TokenCounter interface {
	CountMessages(model string, msgs []models.Message) int
}

// ContextManager keeps history under the model's effective window. Manage
// returns the (possibly rewritten) history and per-action statistics; a nil
// stats slice means no action was taken.
type ContextManager interface {
	Manage(ctx context.Context, sessionID string, history []models.Message) ([]models.Message, []models.ContextStats, error)

	// ForceCompact compacts even when under threshold.
	ForceCompact(ctx context.Context, sessionID string, history []models.Message) ([]models.Message, *models.ContextStats, error)
}

// SessionStore is the persistence boundary the loop drives.
type SessionStore interface {
	Create(ctx context.Context, cwd string) (*models.SessionInfo, error)
	Find(id string) (*models.SessionInfo, bool)
	AppendMessages(ctx context.Context, id string, msgs ...models.Message) error
	LoadHistory(id string) ([]models.Message, error)
	RewriteHistory(ctx context.Context, id string, msgs []models.Message) error
	UpdateUsage(ctx context.Context, id string, round models.TokenUsage, model string) error
	Usage(id string) models.SessionUsage
}
