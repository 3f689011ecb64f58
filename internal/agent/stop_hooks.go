package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/synapsehq/synapse/pkg/models"
)

// defaultStopHookTimeout bounds a single hook execution.
const defaultStopHookTimeout = 5 * time.Minute

// defaultMaxContextChars caps the flattened conversation handed to hooks.
const defaultMaxContextChars = 50000

// StopHookInput is what each hook receives after a normal loop completion.
type StopHookInput struct {
	SessionID     string
	Messages      []models.Message
	FinalResponse string

	// ConversationText is the tail of the conversation flattened to
	// plain text, capped at the pipeline's context limit. Hooks that
	// feed the dialogue to another model read this instead of walking
	// Messages themselves.
	ConversationText string

	OnProgress func(string)
}

// StopHookResult is a hook's optional contribution: a message appended to
// the conversation and data surfaced on the event bus.
type StopHookResult struct {
	Message *models.Message
	Data    map[string]any
}

// StopHook runs after the loop ends normally.
type StopHook interface {
	Name() string
	Run(ctx context.Context, input *StopHookInput) (*StopHookResult, error)
}

// StopHookFunc adapts a function to the StopHook interface.
type StopHookFunc struct {
	HookName string
	Fn       func(ctx context.Context, input *StopHookInput) (*StopHookResult, error)
}

func (h StopHookFunc) Name() string { return h.HookName }

func (h StopHookFunc) Run(ctx context.Context, input *StopHookInput) (*StopHookResult, error) {
	return h.Fn(ctx, input)
}

// StopHookPipeline runs registered hooks in order. Hook errors and panics
// are logged and swallowed; the main answer is returned regardless.
type StopHookPipeline struct {
	mu              sync.Mutex
	hooks           []StopHook
	timeout         time.Duration
	maxContextChars int
	logger          *slog.Logger
}

// NewStopHookPipeline creates a pipeline. timeout zero means the default
// of five minutes; maxContextChars zero means the default cap on the
// conversation text handed to each hook.
func NewStopHookPipeline(timeout time.Duration, maxContextChars int, logger *slog.Logger) *StopHookPipeline {
	if timeout <= 0 {
		timeout = defaultStopHookTimeout
	}
	if maxContextChars <= 0 {
		maxContextChars = defaultMaxContextChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StopHookPipeline{
		timeout:         timeout,
		maxContextChars: maxContextChars,
		logger:          logger.With("component", "stop_hooks"),
	}
}

// Register appends a hook to the pipeline.
func (p *StopHookPipeline) Register(hook StopHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, hook)
}

// Len returns the number of registered hooks.
func (p *StopHookPipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hooks)
}

// Run executes each hook under the pipeline timeout and collects the
// non-nil results in order. A failing hook never fails the run.
func (p *StopHookPipeline) Run(ctx context.Context, input *StopHookInput) []StopHookResult {
	p.mu.Lock()
	hooks := make([]StopHook, len(p.hooks))
	copy(hooks, p.hooks)
	p.mu.Unlock()

	if input.ConversationText == "" {
		input.ConversationText = flattenConversation(input.Messages, p.maxContextChars)
	}

	var results []StopHookResult
	for _, hook := range hooks {
		result, err := p.runOne(ctx, hook, input)
		if err != nil {
			p.logger.Warn("stop hook failed", "hook", hook.Name(), "error", err)
			continue
		}
		if result != nil {
			results = append(results, *result)
		}
	}
	return results
}

// flattenConversation renders the newest messages as "role: text" lines,
// oldest first, dropping whole messages from the front once maxChars is
// reached.
func flattenConversation(msgs []models.Message, maxChars int) string {
	var lines []string
	total := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		text := msgs[i].Text()
		if text == "" {
			continue
		}
		line := string(msgs[i].Role) + ": " + text
		if total+len(line) > maxChars {
			break
		}
		lines = append(lines, line)
		total += len(line) + 1
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

func (p *StopHookPipeline) runOne(ctx context.Context, hook StopHook, input *StopHookInput) (*StopHookResult, error) {
	hookCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type hookReturn struct {
		result *StopHookResult
		err    error
	}
	done := make(chan hookReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- hookReturn{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err := hook.Run(hookCtx, input)
		done <- hookReturn{result: result, err: err}
	}()

	select {
	case ret := <-done:
		return ret.result, ret.err
	case <-hookCtx.Done():
		return nil, fmt.Errorf("timed out after %s", p.timeout)
	}
}
