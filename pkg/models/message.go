// Package models defines the shared data model for the Synapse agent core:
// messages, content blocks, sessions, token usage, and agent events.
package models

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// BlockType identifies a content block variant.
type BlockType string

const (
	BlockText           BlockType = "text"
	BlockThinking       BlockType = "thinking"
	BlockToolUse        BlockType = "tool_use"
	BlockToolResult     BlockType = "tool_result"
	BlockSkillSearch    BlockType = "skill_search"
	BlockContextSummary BlockType = "context_summary"
)

// ContentBlock is a tagged union over the block variants the core understands.
// Exactly one payload pointer is set, matching Type. Unknown variants read
// from disk are logged and skipped rather than failing the whole message.
type ContentBlock struct {
	Type           BlockType            `json:"type"`
	Text           string               `json:"text,omitempty"`
	Thinking       *ThinkingBlock       `json:"thinking,omitempty"`
	ToolUse        *ToolUseBlock        `json:"tool_use,omitempty"`
	ToolResult     *ToolResultBlock     `json:"tool_result,omitempty"`
	SkillSearch    *SkillSearchBlock    `json:"skill_search,omitempty"`
	ContextSummary *ContextSummaryBlock `json:"context_summary,omitempty"`
}

// ThinkingBlock carries an opaque reasoning trace.
type ThinkingBlock struct {
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
}

// ToolUseBlock is a model-issued tool invocation. Input is kept as an opaque
// JSON value at the core boundary; the validator confirms it is object-shaped.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock is the paired reply to a ToolUseBlock.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// SkillSearchBlock records a skill lookup; it serializes to text for the LLM.
type SkillSearchBlock struct {
	Query   string   `json:"query"`
	Results []string `json:"results,omitempty"`
}

// ContextSummaryBlock replaces compacted history with a single summary.
type ContextSummaryBlock struct {
	Summary        string `json:"summary"`
	CompactedCount int    `json:"compacted_count"`
}

// NewTextBlock returns a text content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// NewThinkingBlock returns a thinking content block.
func NewThinkingBlock(content, signature string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Thinking: &ThinkingBlock{Content: content, Signature: signature}}
}

// NewToolUseBlock returns a tool_use content block.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUse: &ToolUseBlock{ID: id, Name: name, Input: input}}
}

// NewToolResultBlock returns a tool_result content block.
func NewToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolResult: &ToolResultBlock{ToolUseID: toolUseID, Content: content, IsError: isError}}
}

// NewContextSummaryBlock returns a context_summary content block.
func NewContextSummaryBlock(summary string, compacted int) ContentBlock {
	return ContentBlock{Type: BlockContextSummary, ContextSummary: &ContextSummaryBlock{Summary: summary, CompactedCount: compacted}}
}

// AsText renders the block the way it is presented to the LLM. Domain-level
// blocks (skill_search, context_summary) flatten to text.
func (b ContentBlock) AsText() string {
	switch b.Type {
	case BlockText:
		return b.Text
	case BlockThinking:
		if b.Thinking != nil {
			return b.Thinking.Content
		}
	case BlockToolResult:
		if b.ToolResult != nil {
			return b.ToolResult.Content
		}
	case BlockSkillSearch:
		if b.SkillSearch != nil {
			out := "Skill search: " + b.SkillSearch.Query
			for _, r := range b.SkillSearch.Results {
				out += "\n- " + r
			}
			return out
		}
	case BlockContextSummary:
		if b.ContextSummary != nil {
			return fmt.Sprintf("[Context summary of %d earlier messages]\n%s",
				b.ContextSummary.CompactedCount, b.ContextSummary.Summary)
		}
	}
	return ""
}

// Message is a single entry in a session's history.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// UnmarshalJSON drops content blocks with an unknown type tag instead of
// failing the whole message. Dropped variants are logged once per block.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kept := raw.Content[:0]
	for _, b := range raw.Content {
		switch b.Type {
		case BlockText, BlockThinking, BlockToolUse, BlockToolResult, BlockSkillSearch, BlockContextSummary:
			kept = append(kept, b)
		default:
			slog.Warn("skipping unknown content block variant", "type", string(b.Type))
		}
	}
	raw.Content = kept
	*m = Message(raw)
	return nil
}

// Text concatenates the message's text blocks.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks in order.
func (m *Message) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse && b.ToolUse != nil {
			uses = append(uses, *b.ToolUse)
		}
	}
	return uses
}

// ToolResults returns the tool_result blocks in order.
func (m *Message) ToolResults() []ToolResultBlock {
	var results []ToolResultBlock
	for _, b := range m.Content {
		if b.Type == BlockToolResult && b.ToolResult != nil {
			results = append(results, *b.ToolResult)
		}
	}
	return results
}

// HasToolUse reports whether the message contains at least one tool_use block.
func (m *Message) HasToolUse() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// UserText builds a user message from plain text.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{NewTextBlock(text)}, CreatedAt: time.Now()}
}

// AssistantText builds an assistant message from plain text.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{NewTextBlock(text)}, CreatedAt: time.Now()}
}

// TodoStatus tracks the lifecycle of a todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry in the process-wide todo list.
type TodoItem struct {
	Content    string     `json:"content"`
	ActiveForm string     `json:"active_form,omitempty"`
	Status     TodoStatus `json:"status"`
}

// Done reports whether the item is completed.
func (t TodoItem) Done() bool { return t.Status == TodoCompleted }
