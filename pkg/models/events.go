package models

import "time"

// AgentEventType identifies an event on the agent stream.
type AgentEventType string

const (
	EventAgentStart        AgentEventType = "agent_start"
	EventTurnStart         AgentEventType = "turn_start"
	EventMessageStart      AgentEventType = "message_start"
	EventMessageDelta      AgentEventType = "message_delta"
	EventMessageEnd        AgentEventType = "message_end"
	EventToolStart         AgentEventType = "tool_start"
	EventToolEnd           AgentEventType = "tool_end"
	EventThinking          AgentEventType = "thinking"
	EventTurnEnd           AgentEventType = "turn_end"
	EventUsage             AgentEventType = "usage"
	EventContextManagement AgentEventType = "context_management"
	EventTodoReminder      AgentEventType = "todo_reminder"
	EventError             AgentEventType = "error"
	EventAgentEnd          AgentEventType = "agent_end"
)

// ContextAction distinguishes the two context-management mechanisms.
type ContextAction string

const (
	ContextOffload ContextAction = "offload"
	ContextCompact ContextAction = "compact"
)

// AgentEvent is one entry on the agent's event stream. Exactly one payload
// pointer is set according to Type; simple events carry only the base fields.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Time      time.Time      `json:"time"`
	Sequence  uint64         `json:"sequence"`
	TurnIndex int            `json:"turn_index"`

	Delta    string              `json:"delta,omitempty"`    // message_delta, thinking
	Message  *Message            `json:"message,omitempty"`  // message_end
	Tool     *ToolEventPayload   `json:"tool,omitempty"`     // tool_start, tool_end
	Usage    *TokenUsage         `json:"usage,omitempty"`    // usage
	Context  *ContextStats       `json:"context,omitempty"`  // context_management
	Reminder string              `json:"reminder,omitempty"` // todo_reminder
	Error    *ErrorEventPayload  `json:"error,omitempty"`    // error
	Result   *AgentResultPayload `json:"result,omitempty"`   // agent_end
	HookData map[string]any      `json:"hook_data,omitempty"`
}

// ToolEventPayload describes one tool invocation.
type ToolEventPayload struct {
	ToolUseID string        `json:"tool_use_id"`
	Name      string        `json:"name"`
	Input     []byte        `json:"input,omitempty"`
	Output    string        `json:"output,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
}

// ErrorEventPayload carries an error surfaced on the stream.
type ErrorEventPayload struct {
	Message     string `json:"message"`
	Kind        string `json:"kind,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// AgentResultPayload is the terminal payload of agent_end.
type AgentResultPayload struct {
	Text       string       `json:"text"`
	StopReason string       `json:"stop_reason"`
	Usage      SessionUsage `json:"usage"`
}

// ContextStats reports the outcome of an offload or compact pass.
type ContextStats struct {
	Action         ContextAction `json:"action"`
	PreviousTokens int           `json:"previous_tokens"`
	CurrentTokens  int           `json:"current_tokens"`
	FreedTokens    int           `json:"freed_tokens"`
	DeletedFiles   []string      `json:"deleted_files,omitempty"`
	PreservedCount int           `json:"preserved_count,omitempty"`
	Success        bool          `json:"success"`
	Messages       int           `json:"messages"`
}
