// Package agent implements the execution core: the iteration loop that
// drives one conversation, its event stream and bus, tool execution,
// failure detection, history sanitation, and the stop-hook pipeline.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/synapsehq/synapse/internal/todo"
	"github.com/synapsehq/synapse/internal/tools"
	"github.com/synapsehq/synapse/pkg/models"
)

// skillSearchInstruction is prepended to the first user message of a
// primary agent so the model checks its skill library before answering.
// Sub-agents receive the user text verbatim.
const skillSearchInstruction = "Before responding, check whether any available skill matches this request and use it if so.\n\n"

// Config tunes one loop instance.
type Config struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Thinking     bool

	// MaxIterations caps generate/execute rounds per Run.
	MaxIterations int

	// Failure detector dimensions.
	FailureWindowSize int
	FailureThreshold  int

	// TodoStaleThreshold is the number of turns without a todo update
	// before the reminder fires.
	TodoStaleThreshold int

	// Primary marks the user-facing agent: it gets the skill-search
	// instruction and todo reminders. Sub-agents leave it false.
	Primary bool

	// DisableContextManagement skips offload/compact entirely.
	DisableContextManagement bool

	// ToolTimeout bounds a single tool call; zero disables it.
	ToolTimeout time.Duration
}

// DefaultConfig returns the stock loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxTokens:          8192,
		MaxIterations:      50,
		FailureWindowSize:  10,
		FailureThreshold:   3,
		TodoStaleThreshold: 2,
		Primary:            true,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.FailureWindowSize <= 0 {
		cfg.FailureWindowSize = def.FailureWindowSize
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.TodoStaleThreshold <= 0 {
		cfg.TodoStaleThreshold = def.TodoStaleThreshold
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return cfg
}

// Deps are the collaborators a loop consumes. Provider is required;
// everything else has a working zero value (nil store skips persistence,
// nil context manager skips offload/compact).
type Deps struct {
	Provider LLMProvider
	Registry *tools.Registry
	Sessions SessionStore
	Context  ContextManager
	Todos    *todo.Store
	Hooks    *StopHookPipeline
	Bus      *EventBus
	Classify FailureClassifier
	Logger   *slog.Logger
}

// Loop drives one conversation: generate, execute tools, feed results
// back, until a final answer or a termination condition.
type Loop struct {
	cfg       Config
	provider  LLMProvider
	registry  *tools.Registry
	sessions  SessionStore
	contexts  ContextManager
	todos     *todo.Store
	reminder  *TodoReminder
	validator *MessageValidator
	executor  *ToolExecutor
	detector  *FailureDetector
	hooks     *StopHookPipeline
	bus       *EventBus
	logger    *slog.Logger

	sessionID   string
	history     []models.Message
	usage       models.SessionUsage
	initialized bool
	cwd         string
}

// NewLoop assembles a loop from config and collaborators.
func NewLoop(cfg Config, deps Deps) (*Loop, error) {
	if deps.Provider == nil {
		return nil, ErrNoProvider
	}
	cfg = sanitizeConfig(cfg)
	if deps.Registry == nil {
		deps.Registry = tools.NewRegistry()
	}
	if deps.Todos == nil {
		deps.Todos = todo.NewStore()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "agent_loop")

	l := &Loop{
		cfg:       cfg,
		provider:  deps.Provider,
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		contexts:  deps.Context,
		todos:     deps.Todos,
		validator: NewMessageValidator(deps.Registry),
		executor:  NewToolExecutor(deps.Registry, deps.Classify, cfg.ToolTimeout, deps.Logger),
		detector:  NewFailureDetector(cfg.FailureWindowSize, cfg.FailureThreshold),
		hooks:     deps.Hooks,
		bus:       deps.Bus,
		logger:    logger,
	}
	if cfg.Primary {
		l.reminder = NewTodoReminder(deps.Todos, cfg.TodoStaleThreshold)
	}
	return l, nil
}

// SessionID returns the current session id, empty before the first Run.
func (l *Loop) SessionID() string { return l.sessionID }

// Resume attaches the loop to an existing session before the first Run.
func (l *Loop) Resume(sessionID string) error {
	if l.initialized {
		return errors.New("loop already initialized")
	}
	if l.sessions == nil {
		return errors.New("no session store configured")
	}
	if _, ok := l.sessions.Find(sessionID); !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	l.sessionID = sessionID
	return nil
}

// Run starts one invocation and returns its event stream. The final text
// is available from the stream's Result.
func (l *Loop) Run(ctx context.Context, userText string) *EventStream {
	stream := NewEventStream(l.logger)
	go l.run(ctx, userText, stream)
	return stream
}

func (l *Loop) run(ctx context.Context, userText string, stream *EventStream) {
	emit := func(event models.AgentEvent) {
		stream.Emit(event)
		if l.bus != nil {
			l.bus.Publish(event)
		}
	}

	if err := l.initialize(ctx); err != nil {
		l.failStream(emit, stream, err)
		return
	}

	if l.cfg.Primary {
		userText = skillSearchInstruction + userText
	}
	userMsg := models.UserText(userText)
	if err := l.append(ctx, userMsg); err != nil {
		l.failStream(emit, stream, err)
		return
	}

	emit(models.AgentEvent{Type: models.EventAgentStart})

	finalText, stopReason, err := l.iterate(ctx, emit)
	if err != nil {
		l.failStream(emit, stream, err)
		return
	}

	var hookData map[string]any
	if stopReason == "end_turn" && l.hooks != nil && l.hooks.Len() > 0 {
		finalText, hookData = l.runStopHooks(ctx, finalText)
	}

	emit(models.AgentEvent{
		Type: models.EventAgentEnd,
		Result: &models.AgentResultPayload{
			Text:       finalText,
			StopReason: stopReason,
			Usage:      l.sessionUsage(),
		},
		HookData: hookData,
	})
	stream.Complete(finalText)
}

// initialize creates or resumes the session and repairs history pairing.
func (l *Loop) initialize(ctx context.Context) error {
	if l.initialized {
		return nil
	}
	if l.sessions != nil {
		if l.sessionID == "" {
			info, err := l.sessions.Create(ctx, l.cwd)
			if err != nil {
				return NewAgentError(KindConfiguration, err)
			}
			l.sessionID = info.ID
		}
		history, err := l.sessions.LoadHistory(l.sessionID)
		if err != nil {
			return err
		}
		l.history = history
	}

	sanitized, changed := SanitizeHistory(l.history, l.logger)
	if changed {
		l.history = sanitized
		if l.sessions != nil {
			if err := l.sessions.RewriteHistory(ctx, l.sessionID, sanitized); err != nil {
				return err
			}
		}
		l.logger.Info("repaired history on load", "session", l.sessionID, "messages", len(sanitized))
	}
	l.initialized = true
	return nil
}

// iterate runs the bounded generate/execute loop. It returns the final
// text and a termination reason; err is non-nil only for non-recoverable
// failures and cancellation.
func (l *Loop) iterate(ctx context.Context, emit func(models.AgentEvent)) (string, string, error) {
	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		turn := iteration
		emit(models.AgentEvent{Type: models.EventTurnStart, TurnIndex: turn})

		if err := l.manageContext(ctx, emit, turn); err != nil {
			l.logger.Warn("context management failed", "error", err)
		}

		if ctx.Err() != nil {
			return "", "", NewAgentError(KindAborted, ctx.Err())
		}

		assistant, roundUsage, err := l.generate(ctx, emit, turn)
		if err != nil {
			if ctx.Err() != nil {
				return "", "", NewAgentError(KindAborted, ctx.Err())
			}
			agentErr := NewAgentError(Classify(err), err)
			emit(models.AgentEvent{
				Type:      models.EventError,
				TurnIndex: turn,
				Error: &models.ErrorEventPayload{
					Message:     agentErr.Message,
					Kind:        string(agentErr.Kind),
					Recoverable: agentErr.Recoverable(),
				},
			})
			if agentErr.Recoverable() {
				emit(models.AgentEvent{Type: models.EventTurnEnd, TurnIndex: turn})
				continue
			}
			return "", "", agentErr
		}

		emit(models.AgentEvent{Type: models.EventMessageEnd, TurnIndex: turn, Message: assistant})
		if roundUsage != nil {
			emit(models.AgentEvent{Type: models.EventUsage, TurnIndex: turn, Usage: roundUsage})
			l.recordUsage(ctx, *roundUsage)
		}
		if err := l.append(ctx, *assistant); err != nil {
			return "", "", err
		}

		calls := assistant.ToolUses()
		if len(calls) == 0 {
			if reminderText, ok := l.checkTodos(); ok {
				emit(models.AgentEvent{Type: models.EventTodoReminder, TurnIndex: turn, Reminder: reminderText})
				if err := l.append(ctx, models.UserText(reminderText)); err != nil {
					return "", "", err
				}
				l.turnDone(emit, turn)
				continue
			}
			l.turnDone(emit, turn)
			return assistant.Text(), "end_turn", nil
		}

		outcomes := l.executeTools(ctx, emit, turn, assistant, calls)
		resultMsg := models.Message{Role: models.RoleUser, CreatedAt: time.Now()}
		for _, outcome := range outcomes {
			resultMsg.Content = append(resultMsg.Content,
				models.NewToolResultBlock(outcome.Result.ToolUseID, outcome.Result.Content, outcome.Result.IsError))
		}
		if err := l.append(ctx, resultMsg); err != nil {
			return "", "", err
		}

		if ctx.Err() != nil {
			return "", "", NewAgentError(KindAborted, ctx.Err())
		}

		for _, outcome := range outcomes {
			l.detector.RecordOutcome(outcome.Result.IsError, outcome.Category)
		}
		if l.detector.ShouldStop() {
			final := "Consecutive tool execution failures; stopping."
			if err := l.append(ctx, models.AssistantText(final)); err != nil {
				return "", "", err
			}
			l.turnDone(emit, turn)
			return final, "failure_threshold", nil
		}

		l.turnDone(emit, turn)
	}

	final := fmt.Sprintf("Reached tool iteration limit (%d); stopping.", l.cfg.MaxIterations)
	if err := l.append(ctx, models.AssistantText(final)); err != nil {
		return "", "", err
	}
	return final, "max_iterations", nil
}

func (l *Loop) turnDone(emit func(models.AgentEvent), turn int) {
	if l.reminder != nil {
		l.reminder.TurnCompleted()
	}
	emit(models.AgentEvent{Type: models.EventTurnEnd, TurnIndex: turn})
}

// generate streams one provider round, emitting message_start, deltas, and
// thinking events, and aggregates the assistant message.
func (l *Loop) generate(ctx context.Context, emit func(models.AgentEvent), turn int) (*models.Message, *models.TokenUsage, error) {
	req := &GenerateRequest{
		Model:       l.cfg.Model,
		System:      l.cfg.SystemPrompt,
		Messages:    l.history,
		Tools:       l.registry.List(),
		MaxTokens:   l.cfg.MaxTokens,
		Temperature: l.cfg.Temperature,
		Thinking:    l.cfg.Thinking,
	}
	chunks, err := l.provider.Generate(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	emit(models.AgentEvent{Type: models.EventMessageStart, TurnIndex: turn})

	msg := &models.Message{Role: models.RoleAssistant, CreatedAt: time.Now()}
	var (
		text     string
		thinking string
		usage    *models.TokenUsage
	)
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, nil, chunk.Err
		}
		if chunk.TextDelta != "" {
			text += chunk.TextDelta
			emit(models.AgentEvent{Type: models.EventMessageDelta, TurnIndex: turn, Delta: chunk.TextDelta})
		}
		if chunk.ThinkingDelta != "" {
			thinking += chunk.ThinkingDelta
			emit(models.AgentEvent{Type: models.EventThinking, TurnIndex: turn, Delta: chunk.ThinkingDelta})
		}
		if chunk.ToolUse != nil {
			use := *chunk.ToolUse
			msg.Content = append(msg.Content, models.ContentBlock{Type: models.BlockToolUse, ToolUse: &use})
		}
		if chunk.Done {
			usage = chunk.Usage
		}
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	// Text and thinking lead the content; tool calls were appended in
	// stream order.
	var content []models.ContentBlock
	if thinking != "" {
		content = append(content, models.NewThinkingBlock(thinking, ""))
	}
	if text != "" {
		content = append(content, models.NewTextBlock(text))
	}
	msg.Content = append(content, msg.Content...)
	return msg, usage, nil
}

// executeTools validates the plan and runs the valid calls, substituting
// synthetic error results for malformed ones. Results come back in call
// order.
func (l *Loop) executeTools(ctx context.Context, emit func(models.AgentEvent), turn int, assistant *models.Message, calls []models.ToolUseBlock) []ToolOutcome {
	report := l.validator.Validate(assistant)

	var valid []models.ToolUseBlock
	for _, call := range calls {
		if _, bad := report.ErrorFor(call.ID); !bad {
			valid = append(valid, call)
		}
	}

	emitTurn := func(event models.AgentEvent) {
		event.TurnIndex = turn
		emit(event)
	}
	executed := l.executor.Execute(ctx, valid, emitTurn)

	byID := make(map[string]ToolOutcome, len(executed))
	for _, outcome := range executed {
		byID[outcome.Result.ToolUseID] = outcome
	}

	outcomes := make([]ToolOutcome, 0, len(calls))
	for _, call := range calls {
		if verr, bad := report.ErrorFor(call.ID); bad {
			output := "Invalid tool input: " + verr.Reason
			emitTurn(models.AgentEvent{
				Type: models.EventToolStart,
				Tool: &models.ToolEventPayload{ToolUseID: call.ID, Name: call.Name, Input: call.Input},
			})
			emitTurn(models.AgentEvent{
				Type: models.EventToolEnd,
				Tool: &models.ToolEventPayload{ToolUseID: call.ID, Name: call.Name, Output: output, IsError: true},
			})
			outcomes = append(outcomes, ToolOutcome{
				Result:   models.ToolResultBlock{ToolUseID: call.ID, Content: output, IsError: true},
				Category: FailureCountable,
			})
			continue
		}
		outcomes = append(outcomes, byID[call.ID])
	}
	return outcomes
}

// manageContext lets the orchestrator offload or compact when over
// threshold, rewriting the session on change.
func (l *Loop) manageContext(ctx context.Context, emit func(models.AgentEvent), turn int) error {
	if l.contexts == nil || l.cfg.DisableContextManagement {
		return nil
	}
	managed, stats, err := l.contexts.Manage(ctx, l.sessionID, l.history)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		return nil
	}
	for i := range stats {
		emit(models.AgentEvent{Type: models.EventContextManagement, TurnIndex: turn, Context: &stats[i]})
	}
	l.history = managed
	if l.sessions != nil {
		if err := l.sessions.RewriteHistory(ctx, l.sessionID, managed); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) checkTodos() (string, bool) {
	if l.reminder == nil {
		return "", false
	}
	return l.reminder.Check()
}

// runStopHooks executes the pipeline and returns the possibly-replaced
// final text plus the merged hook data, which the caller attaches to the
// single agent_end event.
func (l *Loop) runStopHooks(ctx context.Context, finalText string) (string, map[string]any) {
	results := l.hooks.Run(ctx, &StopHookInput{
		SessionID:     l.sessionID,
		Messages:      l.history,
		FinalResponse: finalText,
	})
	var data map[string]any
	for _, result := range results {
		if result.Message != nil {
			if err := l.append(ctx, *result.Message); err != nil {
				l.logger.Warn("failed to append hook message", "error", err)
				continue
			}
			if t := result.Message.Text(); t != "" {
				finalText = t
			}
		}
		for k, v := range result.Data {
			if data == nil {
				data = make(map[string]any)
			}
			data[k] = v
		}
	}
	return finalText, data
}

func (l *Loop) append(ctx context.Context, msgs ...models.Message) error {
	l.history = append(l.history, msgs...)
	if l.sessions == nil {
		return nil
	}
	if err := l.sessions.AppendMessages(ctx, l.sessionID, msgs...); err != nil {
		return fmt.Errorf("append to session %s: %w", l.sessionID, err)
	}
	return nil
}

func (l *Loop) recordUsage(ctx context.Context, round models.TokenUsage) {
	l.usage.AddRound(round, l.cfg.Model)
	if l.sessions != nil {
		if err := l.sessions.UpdateUsage(ctx, l.sessionID, round, l.cfg.Model); err != nil {
			l.logger.Warn("failed to persist usage", "error", err)
		}
	}
}

func (l *Loop) sessionUsage() models.SessionUsage {
	if l.sessions != nil && l.sessionID != "" {
		return l.sessions.Usage(l.sessionID)
	}
	return l.usage
}

// failStream surfaces a terminal error and ends the stream without an
// agent_end event.
func (l *Loop) failStream(emit func(models.AgentEvent), stream *EventStream, err error) {
	agentErr := NewAgentError(Classify(err), err)
	emit(models.AgentEvent{
		Type: models.EventError,
		Error: &models.ErrorEventPayload{
			Message:     agentErr.Message,
			Kind:        string(agentErr.Kind),
			Recoverable: false,
		},
	})
	l.logger.Error("agent run failed", "session", l.sessionID, "kind", string(agentErr.Kind), "error", err)
	stream.Fail(agentErr)
}
