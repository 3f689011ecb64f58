package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/synapsehq/synapse/internal/todo"
	"github.com/synapsehq/synapse/internal/tools"
	"github.com/synapsehq/synapse/pkg/models"
)

// scriptedProvider replays one chunk script per Generate call. When the
// scripts run out it repeats the last one.
type scriptedProvider struct {
	mu       sync.Mutex
	rounds   [][]*StreamChunk
	requests []*GenerateRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, req *GenerateRequest) (<-chan *StreamChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	round := p.rounds[0]
	if len(p.rounds) > 1 {
		p.rounds = p.rounds[1:]
	}
	p.mu.Unlock()

	out := make(chan *StreamChunk)
	go func() {
		defer close(out)
		for _, chunk := range round {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// blockingProvider holds the stream open until the context is cancelled.
type blockingProvider struct{}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Generate(ctx context.Context, req *GenerateRequest) (<-chan *StreamChunk, error) {
	out := make(chan *StreamChunk)
	go func() {
		defer close(out)
		<-ctx.Done()
		out <- &StreamChunk{Err: ctx.Err()}
	}()
	return out, nil
}

// stubTool is a scriptable tool for loop tests.
type stubTool struct {
	name string
	fn   func(ctx context.Context, input json.RawMessage) (*tools.Result, error)
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (t *stubTool) Execute(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
	return t.fn(ctx, input)
}

func textRound(text string) []*StreamChunk {
	return []*StreamChunk{
		{TextDelta: text},
		{Done: true, StopReason: StopEndTurn, Usage: &models.TokenUsage{InputOther: 10, Output: 5}},
	}
}

func toolRound(id, name, input string) []*StreamChunk {
	return []*StreamChunk{
		{ToolUse: &models.ToolUseBlock{ID: id, Name: name, Input: json.RawMessage(input)}},
		{Done: true, StopReason: StopToolUse, Usage: &models.TokenUsage{InputOther: 10, Output: 5}},
	}
}

func drain(t *testing.T, stream *EventStream) ([]models.AgentEvent, string, error) {
	t.Helper()
	var events []models.AgentEvent
	for event := range stream.Events() {
		events = append(events, event)
	}
	result, err := stream.Result(context.Background())
	return events, result, err
}

func eventTypes(events []models.AgentEvent) []models.AgentEventType {
	out := make([]models.AgentEventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func newTestLoop(t *testing.T, cfg Config, provider LLMProvider, toolset ...tools.Tool) *Loop {
	t.Helper()
	registry := tools.NewRegistry()
	for _, tool := range toolset {
		registry.Register(tool)
	}
	loop, err := NewLoop(cfg, Deps{Provider: provider, Registry: registry})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return loop
}

func TestRunPlainText(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*StreamChunk{textRound("Hello!")}}
	loop := newTestLoop(t, Config{}, provider)

	stream := loop.Run(context.Background(), "hi")
	events, result, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Hello!" {
		t.Errorf("result = %q, want %q", result, "Hello!")
	}

	want := []models.AgentEventType{
		models.EventAgentStart,
		models.EventTurnStart,
		models.EventMessageStart,
		models.EventMessageDelta,
		models.EventMessageEnd,
		models.EventUsage,
		models.EventTurnEnd,
		models.EventAgentEnd,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	last := events[len(events)-1]
	if last.Result == nil || last.Result.StopReason != "end_turn" {
		t.Errorf("agent_end payload = %+v, want end_turn", last.Result)
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*StreamChunk{
		toolRound("toolu_1", "echo", `{"text":"ping"}`),
		textRound("done"),
	}}
	var gotInput string
	echo := &stubTool{name: "echo", fn: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
		gotInput = string(input)
		return &tools.Result{Output: "pong"}, nil
	}}
	loop := newTestLoop(t, Config{}, provider, echo)

	stream := loop.Run(context.Background(), "call echo")
	events, result, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "done" {
		t.Errorf("result = %q, want %q", result, "done")
	}
	if gotInput != `{"text":"ping"}` {
		t.Errorf("tool input = %q", gotInput)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}

	sawStart, sawEnd := false, false
	for _, event := range events {
		switch event.Type {
		case models.EventToolStart:
			sawStart = true
		case models.EventToolEnd:
			sawEnd = true
			if event.Tool.Output != "pong" || event.Tool.IsError {
				t.Errorf("tool_end payload = %+v", event.Tool)
			}
		}
	}
	if !sawStart || !sawEnd {
		t.Errorf("missing tool events: start=%v end=%v", sawStart, sawEnd)
	}

	// The second request must carry the assistant plan and the result.
	second := provider.requests[1]
	var foundResult bool
	for _, msg := range second.Messages {
		for _, res := range msg.ToolResults() {
			if res.ToolUseID == "toolu_1" && res.Content == "pong" {
				foundResult = true
			}
		}
	}
	if !foundResult {
		t.Error("tool result missing from follow-up request history")
	}
}

func TestRunIterationLimit(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*StreamChunk{
		toolRound("toolu_loop", "echo", `{}`),
	}}
	n := 0
	echo := &stubTool{name: "echo", fn: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
		n++
		return &tools.Result{Output: fmt.Sprintf("round %d", n)}, nil
	}}
	loop := newTestLoop(t, Config{MaxIterations: 3}, provider, echo)

	stream := loop.Run(context.Background(), "loop forever")
	events, result, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Reached tool iteration limit (3); stopping."
	if result != want {
		t.Errorf("result = %q, want %q", result, want)
	}
	last := events[len(events)-1]
	if last.Type != models.EventAgentEnd || last.Result.StopReason != "max_iterations" {
		t.Errorf("terminal event = %+v", last)
	}
	if provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", provider.callCount())
	}
}

func TestRunFailureThreshold(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*StreamChunk{
		toolRound("toolu_f", "flaky", `{}`),
	}}
	flaky := &stubTool{name: "flaky", fn: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
		return &tools.Result{Output: "boom", IsError: true}, nil
	}}
	loop := newTestLoop(t, Config{FailureThreshold: 2, FailureWindowSize: 5}, provider, flaky)

	stream := loop.Run(context.Background(), "go")
	events, result, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Consecutive tool execution failures; stopping."
	if result != want {
		t.Errorf("result = %q, want %q", result, want)
	}
	last := events[len(events)-1]
	if last.Result.StopReason != "failure_threshold" {
		t.Errorf("stop reason = %q", last.Result.StopReason)
	}
	// Threshold 2 means exactly two rounds ran.
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
}

func TestRunPermissionDeniedNotCounted(t *testing.T) {
	rounds := [][]*StreamChunk{
		toolRound("toolu_p1", "guarded", `{}`),
		toolRound("toolu_p2", "guarded", `{"n":2}`),
		toolRound("toolu_p3", "guarded", `{"n":3}`),
		textRound("gave up"),
	}
	provider := &scriptedProvider{rounds: rounds}
	guarded := &stubTool{name: "guarded", fn: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
		return &tools.Result{Output: "permission denied", IsError: true}, nil
	}}
	loop := newTestLoop(t, Config{FailureThreshold: 2, FailureWindowSize: 5}, provider, guarded)

	stream := loop.Run(context.Background(), "try")
	_, result, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Three refusals never trip the threshold; the model gets to answer.
	if result != "gave up" {
		t.Errorf("result = %q, want %q", result, "gave up")
	}
}

func TestRunInvalidToolInput(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*StreamChunk{
		{
			{ToolUse: &models.ToolUseBlock{ID: "toolu_bad", Name: "echo", Input: json.RawMessage(`"not an object"`)}},
			{Done: true, StopReason: StopToolUse},
		},
		textRound("recovered"),
	}}
	called := false
	echo := &stubTool{name: "echo", fn: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
		called = true
		return &tools.Result{Output: "ok"}, nil
	}}
	loop := newTestLoop(t, Config{}, provider, echo)

	stream := loop.Run(context.Background(), "go")
	events, result, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("tool executed despite malformed input")
	}
	if result != "recovered" {
		t.Errorf("result = %q", result)
	}

	var sawError bool
	for _, event := range events {
		if event.Type == models.EventToolEnd && event.Tool.ToolUseID == "toolu_bad" {
			sawError = true
			if !event.Tool.IsError || !strings.HasPrefix(event.Tool.Output, "Invalid tool input:") {
				t.Errorf("tool_end payload = %+v", event.Tool)
			}
		}
	}
	if !sawError {
		t.Error("no tool_end for the invalid call")
	}
}

func TestRunUnknownTool(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*StreamChunk{
		toolRound("toolu_x", "nonexistent", `{}`),
		textRound("sorry"),
	}}
	loop := newTestLoop(t, Config{}, provider)

	stream := loop.Run(context.Background(), "go")
	events, result, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "sorry" {
		t.Errorf("result = %q", result)
	}
	for _, event := range events {
		if event.Type == models.EventToolEnd && event.Tool.ToolUseID == "toolu_x" {
			if event.Tool.Output != "Tool not found: nonexistent" || !event.Tool.IsError {
				t.Errorf("tool_end payload = %+v", event.Tool)
			}
		}
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := newTestLoop(t, Config{}, &blockingProvider{})

	stream := loop.Run(ctx, "hang")
	cancel()

	events, _, err := drain(t, stream)
	if err == nil {
		t.Fatal("expected error from cancelled run")
	}
	for _, event := range events {
		if event.Type == models.EventAgentEnd {
			t.Error("agent_end emitted on cancellation")
		}
	}
	var agentErr *AgentError
	if errors.As(err, &agentErr) && agentErr.Kind != KindAborted {
		t.Errorf("error kind = %s, want %s", agentErr.Kind, KindAborted)
	}
}

func TestRunRecoverableProviderError(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*StreamChunk{
		{{Err: NewAgentError(KindRateLimit, errors.New("429"))}},
		textRound("after retry"),
	}}
	loop := newTestLoop(t, Config{}, provider)

	stream := loop.Run(context.Background(), "go")
	events, result, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "after retry" {
		t.Errorf("result = %q", result)
	}

	var sawRecoverable bool
	for _, event := range events {
		if event.Type == models.EventError && event.Error.Recoverable {
			sawRecoverable = true
		}
	}
	if !sawRecoverable {
		t.Error("no recoverable error event before the retry turn")
	}
}

func TestRunNonRecoverableProviderError(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*StreamChunk{
		{{Err: NewAgentError(KindAuthentication, errors.New("401"))}},
	}}
	loop := newTestLoop(t, Config{}, provider)

	stream := loop.Run(context.Background(), "go")
	events, _, err := drain(t, stream)
	if err == nil {
		t.Fatal("expected terminal error")
	}
	for _, event := range events {
		if event.Type == models.EventAgentEnd {
			t.Error("agent_end emitted on failure")
		}
	}
}

func TestRunDeduplicatesIdenticalCalls(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*StreamChunk{
		{
			{ToolUse: &models.ToolUseBlock{ID: "toolu_a", Name: "echo", Input: json.RawMessage(`{"x":1}`)}},
			{ToolUse: &models.ToolUseBlock{ID: "toolu_b", Name: "echo", Input: json.RawMessage(`{"x":1}`)}},
			{Done: true, StopReason: StopToolUse},
		},
		textRound("ok"),
	}}
	executions := 0
	echo := &stubTool{name: "echo", fn: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
		executions++
		return &tools.Result{Output: "same"}, nil
	}}
	loop := newTestLoop(t, Config{}, provider, echo)

	stream := loop.Run(context.Background(), "go")
	events, _, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if executions != 1 {
		t.Errorf("executions = %d, want 1 (dedup)", executions)
	}
	ends := 0
	for _, event := range events {
		if event.Type == models.EventToolEnd {
			ends++
		}
	}
	if ends != 2 {
		t.Errorf("tool_end events = %d, want 2 (one per id)", ends)
	}
	// Both ids must have results in the follow-up request.
	second := provider.requests[1]
	ids := map[string]bool{}
	for _, msg := range second.Messages {
		for _, res := range msg.ToolResults() {
			ids[res.ToolUseID] = true
		}
	}
	if !ids["toolu_a"] || !ids["toolu_b"] {
		t.Errorf("result ids = %v, want both toolu_a and toolu_b", ids)
	}
}

func TestRunPrimaryPrependsSkillInstruction(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*StreamChunk{textRound("hi")}}
	loop := newTestLoop(t, Config{Primary: true}, provider)

	stream := loop.Run(context.Background(), "what time is it")
	if _, _, err := drain(t, stream); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := provider.requests[0].Messages[0]
	if !strings.HasPrefix(first.Text(), skillSearchInstruction) {
		t.Errorf("user text = %q, want skill-search prefix", first.Text())
	}
}

func TestNewLoopRequiresProvider(t *testing.T) {
	if _, err := NewLoop(Config{}, Deps{}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestRunInjectsTodoReminderOnStop(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*StreamChunk{textRound("wrapping up")}}
	todos := todo.NewStore()
	todos.Set([]models.TodoItem{{Content: "finish the migration", Status: models.TodoInProgress}})

	loop, err := NewLoop(Config{Primary: true}, Deps{Provider: provider, Todos: todos})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}

	stream := loop.Run(context.Background(), "migrate the schema")
	events, result, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The first tool-less stop attempt with outstanding work is turned
	// into a synthetic user reminder; the model's second attempt ends
	// the run.
	var reminders []string
	for _, event := range events {
		if event.Type == models.EventTodoReminder {
			reminders = append(reminders, event.Reminder)
		}
	}
	if len(reminders) != 1 {
		t.Fatalf("todo_reminder events = %d, want exactly 1", len(reminders))
	}
	if !strings.HasPrefix(reminders[0], reminderHeader) || !strings.Contains(reminders[0], "finish the migration") {
		t.Errorf("reminder = %q", reminders[0])
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}

	// The second request carries the reminder as the newest user message.
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != models.RoleUser || !strings.HasPrefix(last.Text(), reminderHeader) {
		t.Errorf("last message = %s %q, want synthetic user reminder", last.Role, last.Text())
	}
	if result != "wrapping up" {
		t.Errorf("result = %q", result)
	}
}

func TestRunNoReminderForSubAgent(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*StreamChunk{textRound("done")}}
	todos := todo.NewStore()
	todos.Set([]models.TodoItem{{Content: "open item", Status: models.TodoPending}})

	loop, err := NewLoop(Config{Primary: false}, Deps{Provider: provider, Todos: todos})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}

	stream := loop.Run(context.Background(), "quick lookup")
	events, _, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, event := range events {
		if event.Type == models.EventTodoReminder {
			t.Fatal("sub-agent received a todo reminder")
		}
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.callCount())
	}
}
