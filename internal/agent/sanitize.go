package agent

import (
	"log/slog"

	"github.com/synapsehq/synapse/pkg/models"
)

// SanitizeHistory repairs tool pairing in a message history: every tool_use
// must be answered by a tool_result before the next assistant message,
// results without a matching use are dropped, duplicate tool_use ids are
// dropped, and results within one message are reordered to call order.
// Returns the repaired history and whether anything changed. The input
// slice is not modified.
func SanitizeHistory(history []models.Message, logger *slog.Logger) ([]models.Message, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	changed := false
	out := make([]models.Message, 0, len(history))

	// pending maps a tool_use id to its call order in the current assistant
	// message; lastAssistant indexes that message within out.
	pending := make(map[string]int)
	seenIDs := make(map[string]bool)
	lastAssistant := -1

	dropDangling := func() {
		if len(pending) == 0 || lastAssistant < 0 {
			return
		}
		msg := &out[lastAssistant]
		kept := msg.Content[:0]
		for _, block := range msg.Content {
			if block.Type == models.BlockToolUse && block.ToolUse != nil {
				if _, dangling := pending[block.ToolUse.ID]; dangling {
					logger.Warn("dropping tool_use without result", "tool_use_id", block.ToolUse.ID, "tool", block.ToolUse.Name)
					changed = true
					continue
				}
			}
			kept = append(kept, block)
		}
		msg.Content = kept
		pending = make(map[string]int)
	}

	for _, msg := range history {
		copied := msg
		copied.Content = append([]models.ContentBlock(nil), msg.Content...)

		switch copied.Role {
		case models.RoleAssistant:
			dropDangling()
			kept := copied.Content[:0]
			order := 0
			for _, block := range copied.Content {
				if block.Type == models.BlockToolUse && block.ToolUse != nil {
					if seenIDs[block.ToolUse.ID] {
						logger.Warn("dropping duplicate tool_use id", "tool_use_id", block.ToolUse.ID)
						changed = true
						continue
					}
					seenIDs[block.ToolUse.ID] = true
					pending[block.ToolUse.ID] = order
					order++
				}
				kept = append(kept, block)
			}
			copied.Content = kept
			out = append(out, copied)
			lastAssistant = len(out) - 1

		case models.RoleUser, models.RoleTool:
			var others []models.ContentBlock
			type ordered struct {
				block models.ContentBlock
				order int
			}
			var results []ordered
			hadResults := false
			for _, block := range copied.Content {
				if block.Type != models.BlockToolResult || block.ToolResult == nil {
					others = append(others, block)
					continue
				}
				hadResults = true
				order, ok := pending[block.ToolResult.ToolUseID]
				if !ok {
					logger.Warn("dropping tool_result without matching tool_use", "tool_use_id", block.ToolResult.ToolUseID)
					changed = true
					continue
				}
				delete(pending, block.ToolResult.ToolUseID)
				results = append(results, ordered{block: block, order: order})
			}
			if hadResults {
				// Results go after other content, sorted by call order.
				for i := 1; i < len(results); i++ {
					for j := i; j > 0 && results[j].order < results[j-1].order; j-- {
						results[j], results[j-1] = results[j-1], results[j]
					}
				}
				rebuilt := make([]models.ContentBlock, 0, len(others)+len(results))
				rebuilt = append(rebuilt, others...)
				for _, r := range results {
					rebuilt = append(rebuilt, r.block)
				}
				if !sameBlocks(copied.Content, rebuilt) {
					changed = true
				}
				copied.Content = rebuilt
			}
			if len(copied.Content) == 0 {
				changed = true
				continue
			}
			out = append(out, copied)

		default:
			out = append(out, copied)
		}
	}
	dropDangling()

	// Dropping dangling uses may leave an assistant message empty.
	final := out[:0]
	for _, msg := range out {
		if len(msg.Content) == 0 {
			changed = true
			continue
		}
		final = append(final, msg)
	}
	return final, changed
}

func sameBlocks(a, b []models.ContentBlock) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type {
			return false
		}
		ar, br := a[i].ToolResult, b[i].ToolResult
		if (ar == nil) != (br == nil) {
			return false
		}
		if ar != nil && ar.ToolUseID != br.ToolUseID {
			return false
		}
	}
	return true
}
