// Package compaction keeps a session's history under the model's
// effective context window. Two mechanisms apply in order: offloading
// large tool results to disk, then summarizing old history into a single
// context_summary block.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/synapsehq/synapse/internal/agent"
	"github.com/synapsehq/synapse/pkg/models"
)

// OffloadSentinel is the exact reference prefix written into history in
// place of an offloaded tool result. Its presence marks a message as
// already offloaded.
const OffloadSentinel = "Tool result is at: "

const summaryPrompt = `Summarize the following conversation history concisely. Preserve: user goals, decisions made, file paths touched, tool outcomes that matter for continuing the work, and any unresolved questions. Output only the summary.`

// Config tunes the orchestrator.
type Config struct {
	// OffloadThreshold is the token count at which management kicks in.
	OffloadThreshold int

	// OffloadRatio is the fraction of oldest messages scanned for
	// offload candidates.
	OffloadRatio float64

	// MinOffloadChars is the smallest tool-result body worth offloading.
	MinOffloadChars int

	// CompactPreserveCount is how many trailing messages survive a
	// compact verbatim.
	CompactPreserveCount int

	// Model and SummaryMaxTokens shape the summarization request.
	Model            string
	SummaryMaxTokens int
}

// DefaultConfig returns the stock orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		OffloadThreshold:     50000,
		OffloadRatio:         0.5,
		MinOffloadChars:      2000,
		CompactPreserveCount: 10,
		SummaryMaxTokens:     2048,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.OffloadThreshold <= 0 {
		cfg.OffloadThreshold = def.OffloadThreshold
	}
	if cfg.OffloadRatio <= 0 || cfg.OffloadRatio > 1 {
		cfg.OffloadRatio = def.OffloadRatio
	}
	if cfg.MinOffloadChars <= 0 {
		cfg.MinOffloadChars = def.MinOffloadChars
	}
	if cfg.CompactPreserveCount <= 0 {
		cfg.CompactPreserveCount = def.CompactPreserveCount
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = def.SummaryMaxTokens
	}
	return cfg
}

// OffloadDirs resolves a session's offload directory. The session store
// satisfies this.
type OffloadDirs interface {
	OffloadDir(sessionID string) string
}

// Orchestrator implements agent.ContextManager.
type Orchestrator struct {
	cfg      Config
	counter  agent.TokenCounter
	provider agent.LLMProvider
	dirs     OffloadDirs
	logger   *slog.Logger
}

// New creates an orchestrator. provider may be nil, which disables
// compact (offload still works).
func New(cfg Config, counter agent.TokenCounter, provider agent.LLMProvider, dirs OffloadDirs, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      sanitizeConfig(cfg),
		counter:  counter,
		provider: provider,
		dirs:     dirs,
		logger:   logger.With("component", "compaction"),
	}
}

// Manage applies offload then, if still over threshold, compact. A nil
// stats slice means the history was under threshold and untouched.
func (o *Orchestrator) Manage(ctx context.Context, sessionID string, history []models.Message) ([]models.Message, []models.ContextStats, error) {
	tokens := o.counter.CountMessages(o.cfg.Model, history)
	if tokens < o.cfg.OffloadThreshold {
		return history, nil, nil
	}

	var stats []models.ContextStats
	offloaded, offloadStats, err := o.offload(sessionID, history, tokens)
	if err != nil {
		return history, nil, err
	}
	if offloadStats != nil {
		stats = append(stats, *offloadStats)
		history = offloaded
		tokens = offloadStats.CurrentTokens
	}

	if tokens >= o.cfg.OffloadThreshold {
		compacted, compactStats, err := o.compact(ctx, sessionID, history, tokens)
		if err != nil {
			return history, stats, err
		}
		stats = append(stats, *compactStats)
		if compactStats.Success {
			history = compacted
		}
	}
	return history, stats, nil
}

// ForceCompact compacts even when under threshold.
func (o *Orchestrator) ForceCompact(ctx context.Context, sessionID string, history []models.Message) ([]models.Message, *models.ContextStats, error) {
	tokens := o.counter.CountMessages(o.cfg.Model, history)
	compacted, stats, err := o.compact(ctx, sessionID, history, tokens)
	if err != nil {
		return history, nil, err
	}
	if !stats.Success {
		return history, stats, nil
	}
	return compacted, stats, nil
}

// offload writes large tool-result bodies in the oldest prefix to disk,
// replacing each with a sentinel reference. Idempotent: already-offloaded
// messages are skipped by the sentinel check. Returns nil stats when no
// candidate was found.
func (o *Orchestrator) offload(sessionID string, history []models.Message, previousTokens int) ([]models.Message, *models.ContextStats, error) {
	prefixEnd := int(float64(len(history)) * o.cfg.OffloadRatio)
	dir := o.dirs.OffloadDir(sessionID)

	out := make([]models.Message, len(history))
	copy(out, history)
	moved := 0

	for i := 0; i < prefixEnd; i++ {
		msg := &out[i]
		var rewritten []models.ContentBlock
		touched := false
		for _, block := range msg.Content {
			if block.Type != models.BlockToolResult || block.ToolResult == nil ||
				len(block.ToolResult.Content) < o.cfg.MinOffloadChars ||
				strings.HasPrefix(block.ToolResult.Content, OffloadSentinel) {
				rewritten = append(rewritten, block)
				continue
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("compaction: create offload dir: %w", err)
			}
			path := filepath.Join(dir, offloadFileName(block.ToolResult.ToolUseID, i, len(rewritten)))
			if err := os.WriteFile(path, []byte(block.ToolResult.Content), 0o644); err != nil {
				return nil, nil, fmt.Errorf("compaction: write offload file: %w", err)
			}
			replaced := *block.ToolResult
			replaced.Content = OffloadSentinel + path
			rewritten = append(rewritten, models.ContentBlock{Type: models.BlockToolResult, ToolResult: &replaced})
			touched = true
			moved++
		}
		if touched {
			copied := *msg
			copied.Content = rewritten
			out[i] = copied
		}
	}

	if moved == 0 {
		return history, nil, nil
	}
	currentTokens := o.counter.CountMessages(o.cfg.Model, out)
	o.logger.Info("offloaded tool results",
		"session", sessionID, "moved", moved,
		"tokens_before", previousTokens, "tokens_after", currentTokens)
	return out, &models.ContextStats{
		Action:         models.ContextOffload,
		PreviousTokens: previousTokens,
		CurrentTokens:  currentTokens,
		FreedTokens:    previousTokens - currentTokens,
		Success:        true,
		Messages:       len(out),
	}, nil
}

func offloadFileName(toolUseID string, msgIdx, blockIdx int) string {
	if toolUseID != "" {
		return toolUseID + ".txt"
	}
	return fmt.Sprintf("result-%d-%d.txt", msgIdx, blockIdx)
}

// compact summarizes everything except the trailing preserve window into
// one context_summary message and deletes offload files the dropped
// region referenced. On summarization failure the history is left as-is
// and stats report success=false.
func (o *Orchestrator) compact(ctx context.Context, sessionID string, history []models.Message, previousTokens int) ([]models.Message, *models.ContextStats, error) {
	stats := &models.ContextStats{
		Action:         models.ContextCompact,
		PreviousTokens: previousTokens,
		CurrentTokens:  previousTokens,
		Messages:       len(history),
	}
	if o.provider == nil {
		return history, stats, nil
	}
	if len(history) <= o.cfg.CompactPreserveCount {
		return history, stats, nil
	}

	cut := len(history) - o.cfg.CompactPreserveCount
	compacted := history[:cut]
	preserved := history[cut:]

	summary, err := o.summarize(ctx, compacted)
	if err != nil {
		o.logger.Warn("summarization failed, keeping history", "session", sessionID, "error", err)
		return history, stats, nil
	}

	summaryMsg := models.Message{
		Role:    models.RoleAssistant,
		Content: []models.ContentBlock{models.NewContextSummaryBlock(summary, cut)},
	}
	out := make([]models.Message, 0, 1+len(preserved))
	out = append(out, summaryMsg)
	out = append(out, preserved...)

	stats.DeletedFiles = o.deleteOffloadFiles(compacted)
	stats.CurrentTokens = o.counter.CountMessages(o.cfg.Model, out)
	stats.FreedTokens = previousTokens - stats.CurrentTokens
	stats.PreservedCount = len(preserved)
	stats.Success = true
	stats.Messages = len(out)
	o.logger.Info("compacted history",
		"session", sessionID, "compacted", cut, "preserved", len(preserved),
		"tokens_before", previousTokens, "tokens_after", stats.CurrentTokens)
	return out, stats, nil
}

// summarize asks the provider for a summary of the compacted region.
func (o *Orchestrator) summarize(ctx context.Context, msgs []models.Message) (string, error) {
	var transcript strings.Builder
	for _, msg := range msgs {
		transcript.WriteString(string(msg.Role))
		transcript.WriteString(": ")
		for _, block := range msg.Content {
			if t := block.AsText(); t != "" {
				transcript.WriteString(t)
				transcript.WriteString("\n")
			}
			if block.Type == models.BlockToolUse && block.ToolUse != nil {
				fmt.Fprintf(&transcript, "[called %s]\n", block.ToolUse.Name)
			}
		}
		transcript.WriteString("\n")
	}

	chunks, err := o.provider.Generate(ctx, &agent.GenerateRequest{
		Model:     o.cfg.Model,
		System:    summaryPrompt,
		Messages:  []models.Message{models.UserText(transcript.String())},
		MaxTokens: o.cfg.SummaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	var summary strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		summary.WriteString(chunk.TextDelta)
	}
	if summary.Len() == 0 {
		return "", fmt.Errorf("empty summary")
	}
	return summary.String(), nil
}

// deleteOffloadFiles removes artifacts referenced only by the compacted
// region and returns the removed paths.
func (o *Orchestrator) deleteOffloadFiles(compacted []models.Message) []string {
	var deleted []string
	for _, msg := range compacted {
		for _, block := range msg.Content {
			if block.Type != models.BlockToolResult || block.ToolResult == nil {
				continue
			}
			content := block.ToolResult.Content
			if !strings.HasPrefix(content, OffloadSentinel) {
				continue
			}
			path := strings.TrimSpace(strings.TrimPrefix(content, OffloadSentinel))
			if err := os.Remove(path); err != nil {
				if !os.IsNotExist(err) {
					o.logger.Warn("failed to delete offload file", "path", path, "error", err)
				}
				continue
			}
			deleted = append(deleted, path)
		}
	}
	return deleted
}
