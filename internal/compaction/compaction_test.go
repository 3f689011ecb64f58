package compaction

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/synapsehq/synapse/internal/agent"
	"github.com/synapsehq/synapse/pkg/models"
)

// charCounter approximates tokens as len/4, matching the tokenizer
// fallback, so thresholds are easy to reason about in tests.
type charCounter struct{}

func (charCounter) CountMessages(model string, msgs []models.Message) int {
	total := 0
	for _, msg := range msgs {
		for _, block := range msg.Content {
			total += len(block.AsText())
		}
	}
	return total / 4
}

// summaryProvider returns a fixed summary for every Generate call.
type summaryProvider struct {
	summary string
	fail    bool
	calls   int
}

func (p *summaryProvider) Name() string { return "summary" }

func (p *summaryProvider) Generate(ctx context.Context, req *agent.GenerateRequest) (<-chan *agent.StreamChunk, error) {
	p.calls++
	out := make(chan *agent.StreamChunk)
	go func() {
		defer close(out)
		if p.fail {
			out <- &agent.StreamChunk{Err: context.DeadlineExceeded}
			return
		}
		out <- &agent.StreamChunk{TextDelta: p.summary}
		out <- &agent.StreamChunk{Done: true, StopReason: agent.StopEndTurn}
	}()
	return out, nil
}

type fixedDirs struct{ dir string }

func (d fixedDirs) OffloadDir(sessionID string) string { return d.dir }

func bigToolResultMsg(id string, size int) models.Message {
	return models.Message{
		Role: models.RoleUser,
		Content: []models.ContentBlock{
			models.NewToolResultBlock(id, strings.Repeat("x", size), false),
		},
	}
}

func chatHistory(n int) []models.Message {
	var out []models.Message
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			out = append(out, models.UserText("question about the codebase, padded out a bit"))
		} else {
			out = append(out, models.AssistantText("a reasonably detailed answer with some length"))
		}
	}
	return out
}

func TestManageUnderThresholdUntouched(t *testing.T) {
	o := New(Config{OffloadThreshold: 1000}, charCounter{}, nil, fixedDirs{t.TempDir()}, nil)
	history := chatHistory(4)

	out, stats, err := o.Manage(context.Background(), "s1", history)
	if err != nil {
		t.Fatalf("Manage: %v", err)
	}
	if stats != nil {
		t.Errorf("stats = %v, want nil under threshold", stats)
	}
	if len(out) != len(history) {
		t.Errorf("history changed under threshold")
	}
}

func TestOffloadWritesSentinel(t *testing.T) {
	dir := t.TempDir()
	o := New(Config{
		OffloadThreshold: 10,
		OffloadRatio:     0.5,
		MinOffloadChars:  100,
	}, charCounter{}, nil, fixedDirs{dir}, nil)

	history := []models.Message{
		bigToolResultMsg("toolu_1", 5000),
		bigToolResultMsg("toolu_2", 5000),
		models.UserText("small recent message"),
		models.AssistantText("recent answer"),
	}
	out, stats, err := o.Manage(context.Background(), "s1", history)
	if err != nil {
		t.Fatalf("Manage: %v", err)
	}
	if len(stats) == 0 || stats[0].Action != models.ContextOffload {
		t.Fatalf("stats = %+v, want offload first", stats)
	}

	// Only the oldest half (2 of 4) is scanned.
	first := out[0].ToolResults()[0]
	if !strings.HasPrefix(first.Content, OffloadSentinel) {
		t.Errorf("first result = %q, want sentinel prefix", first.Content[:40])
	}
	path := strings.TrimPrefix(first.Content, OffloadSentinel)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("offload file: %v", err)
	}
	if len(data) != 5000 {
		t.Errorf("offloaded %d bytes, want 5000", len(data))
	}
	if filepath.Base(path) != "toolu_1.txt" {
		t.Errorf("file name = %s", filepath.Base(path))
	}
	if stats[0].FreedTokens <= 0 {
		t.Errorf("freed = %d, want positive", stats[0].FreedTokens)
	}

	// Input slice untouched.
	if strings.HasPrefix(history[0].ToolResults()[0].Content, OffloadSentinel) {
		t.Error("input history mutated")
	}
}

func TestOffloadIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{OffloadThreshold: 10, OffloadRatio: 1.0, MinOffloadChars: 100}
	o := New(cfg, charCounter{}, nil, fixedDirs{dir}, nil)

	history := []models.Message{bigToolResultMsg("toolu_1", 5000)}
	once, _, err := o.Manage(context.Background(), "s1", history)
	if err != nil {
		t.Fatal(err)
	}

	// A second pass finds only sentinels; nothing more to move, and with
	// no provider there is nothing to compact either.
	twice, stats, err := o.Manage(context.Background(), "s1", once)
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range stats {
		if st.Action == models.ContextOffload {
			t.Error("second pass offloaded again")
		}
	}
	if twice[0].ToolResults()[0].Content != once[0].ToolResults()[0].Content {
		t.Error("sentinel rewritten on second pass")
	}
}

func TestOffloadSkipsSmallResults(t *testing.T) {
	o := New(Config{
		OffloadThreshold: 1,
		OffloadRatio:     1.0,
		MinOffloadChars:  2000,
	}, charCounter{}, nil, fixedDirs{t.TempDir()}, nil)

	history := []models.Message{bigToolResultMsg("toolu_small", 500)}
	out, _, err := o.Manage(context.Background(), "s1", history)
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(out[0].ToolResults()[0].Content, OffloadSentinel) {
		t.Error("offloaded a result below the size floor")
	}
}

func TestCompactPreservesTail(t *testing.T) {
	provider := &summaryProvider{summary: "Earlier: user asked about the repo; tools ran fine."}
	o := New(Config{CompactPreserveCount: 3}, charCounter{}, provider, fixedDirs{t.TempDir()}, nil)

	history := chatHistory(10)
	out, stats, err := o.ForceCompact(context.Background(), "s1", history)
	if err != nil {
		t.Fatalf("ForceCompact: %v", err)
	}
	if !stats.Success {
		t.Fatalf("stats = %+v, want success", stats)
	}
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4 (summary + 3 preserved)", len(out))
	}

	summary := out[0].Content[0]
	if summary.Type != models.BlockContextSummary {
		t.Fatalf("first block = %s, want context_summary", summary.Type)
	}
	if summary.ContextSummary.CompactedCount != 7 {
		t.Errorf("compacted count = %d, want 7", summary.ContextSummary.CompactedCount)
	}
	if stats.PreservedCount != 3 {
		t.Errorf("preserved = %d, want 3", stats.PreservedCount)
	}
	// The tail is verbatim.
	for i, msg := range history[7:] {
		if out[i+1].Text() != msg.Text() {
			t.Errorf("preserved[%d] = %q, want %q", i, out[i+1].Text(), msg.Text())
		}
	}
}

func TestCompactFailureKeepsHistory(t *testing.T) {
	provider := &summaryProvider{fail: true}
	o := New(Config{CompactPreserveCount: 2}, charCounter{}, provider, fixedDirs{t.TempDir()}, nil)

	history := chatHistory(8)
	out, stats, err := o.ForceCompact(context.Background(), "s1", history)
	if err != nil {
		t.Fatalf("ForceCompact: %v", err)
	}
	if stats.Success {
		t.Error("stats report success despite failed summarization")
	}
	if len(out) != len(history) {
		t.Errorf("history shrank on failed compact")
	}
}

func TestCompactShortHistoryNoop(t *testing.T) {
	provider := &summaryProvider{summary: "unused"}
	o := New(Config{CompactPreserveCount: 10}, charCounter{}, provider, fixedDirs{t.TempDir()}, nil)

	history := chatHistory(4)
	out, stats, err := o.ForceCompact(context.Background(), "s1", history)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Success {
		t.Error("compacted a history shorter than the preserve window")
	}
	if len(out) != 4 || provider.calls != 0 {
		t.Errorf("out = %d msgs, provider calls = %d", len(out), provider.calls)
	}
}

func TestCompactDeletesOffloadFilesInDroppedRegion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolu_old.txt")
	if err := os.WriteFile(path, []byte("archived output"), 0o644); err != nil {
		t.Fatal(err)
	}

	history := []models.Message{
		models.UserText("old question"),
		{Role: models.RoleUser, Content: []models.ContentBlock{
			models.NewToolResultBlock("toolu_old", OffloadSentinel+path, false),
		}},
		models.UserText("recent one"),
		models.AssistantText("recent answer"),
	}
	provider := &summaryProvider{summary: "old stuff happened"}
	o := New(Config{CompactPreserveCount: 2}, charCounter{}, provider, fixedDirs{dir}, nil)

	_, stats, err := o.ForceCompact(context.Background(), "s1", history)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.DeletedFiles) != 1 || stats.DeletedFiles[0] != path {
		t.Errorf("deleted = %v, want [%s]", stats.DeletedFiles, path)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("offload file survived compaction of its region")
	}
}

func TestManageOffloadThenCompact(t *testing.T) {
	// Offload alone cannot get under threshold: plain text dominates.
	provider := &summaryProvider{summary: "short"}
	o := New(Config{
		OffloadThreshold:     50,
		OffloadRatio:         0.5,
		MinOffloadChars:      100,
		CompactPreserveCount: 2,
	}, charCounter{}, provider, fixedDirs{t.TempDir()}, nil)

	history := chatHistory(20)
	out, stats, err := o.Manage(context.Background(), "s1", history)
	if err != nil {
		t.Fatal(err)
	}
	var sawCompact bool
	for _, st := range stats {
		if st.Action == models.ContextCompact && st.Success {
			sawCompact = true
		}
	}
	if !sawCompact {
		t.Fatalf("stats = %+v, want a successful compact", stats)
	}
	if len(out) != 3 {
		t.Errorf("len = %d, want 3 (summary + 2 preserved)", len(out))
	}
}
