package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/synapsehq/synapse/internal/tools"
	"github.com/synapsehq/synapse/pkg/models"
)

// ToolOutcome is one executed call: the result block to append plus the
// detector classification of an errored result.
type ToolOutcome struct {
	Result   models.ToolResultBlock
	Category FailureCategory
	Metadata map[string]any
	Elapsed  time.Duration
}

// ToolExecutor turns tool_use blocks into ordered tool_result blocks. It
// never returns an error: lookup misses, panics, and timeouts all become
// is_error results. Identical calls within one batch run once with the
// result fanned out to every tool_use id.
type ToolExecutor struct {
	registry *tools.Registry
	classify FailureClassifier
	timeout  time.Duration // zero disables the per-call deadline
	logger   *slog.Logger
}

// NewToolExecutor creates an executor over the registry. classify may be
// nil to use the default policy.
func NewToolExecutor(registry *tools.Registry, classify FailureClassifier, timeout time.Duration, logger *slog.Logger) *ToolExecutor {
	if classify == nil {
		classify = DefaultFailureClassifier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolExecutor{
		registry: registry,
		classify: classify,
		timeout:  timeout,
		logger:   logger.With("component", "tool_executor"),
	}
}

// Execute runs the calls in order, emitting a tool_start/tool_end pair per
// call through emit (may be nil). Results come back in call order, one per
// tool_use id. Cancellation stops before the next call; calls not started
// report an aborted error result.
func (e *ToolExecutor) Execute(ctx context.Context, calls []models.ToolUseBlock, emit func(models.AgentEvent)) []ToolOutcome {
	if emit == nil {
		emit = func(models.AgentEvent) {}
	}
	outcomes := make([]ToolOutcome, 0, len(calls))
	type cached struct {
		output   string
		isError  bool
		metadata map[string]any
	}
	dedup := make(map[string]cached)

	for _, call := range calls {
		emit(models.AgentEvent{
			Type: models.EventToolStart,
			Tool: &models.ToolEventPayload{ToolUseID: call.ID, Name: call.Name, Input: call.Input},
		})

		start := time.Now()
		var res cached
		if ctx.Err() != nil {
			res = cached{output: "Tool execution aborted", isError: true}
		} else {
			key := call.Name + "\x00" + string(call.Input)
			if prior, ok := dedup[key]; ok {
				res = prior
			} else {
				output, isError, metadata := e.runOne(ctx, call)
				res = cached{output: output, isError: isError, metadata: metadata}
				dedup[key] = res
			}
		}
		elapsed := time.Since(start)

		outcome := ToolOutcome{
			Result:   models.ToolResultBlock{ToolUseID: call.ID, Content: res.output, IsError: res.isError},
			Metadata: res.metadata,
			Elapsed:  elapsed,
		}
		if res.isError {
			outcome.Category = e.classify(call.Name, res.output)
		}
		outcomes = append(outcomes, outcome)

		emit(models.AgentEvent{
			Type: models.EventToolEnd,
			Tool: &models.ToolEventPayload{
				ToolUseID: call.ID,
				Name:      call.Name,
				Output:    res.output,
				IsError:   res.isError,
				Elapsed:   elapsed,
			},
		})
	}
	return outcomes
}

// runOne executes a single call with panic recovery and the optional
// per-call deadline.
func (e *ToolExecutor) runOne(ctx context.Context, call models.ToolUseBlock) (output string, isError bool, metadata map[string]any) {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return "Tool not found: " + call.Name, true, nil
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	type toolReturn struct {
		result *tools.Result
		err    error
	}
	done := make(chan toolReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- toolReturn{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err := tool.Execute(runCtx, call.Input)
		done <- toolReturn{result: result, err: err}
	}()

	select {
	case ret := <-done:
		if ret.err != nil {
			return "Tool execution failed: " + ret.err.Error(), true, nil
		}
		if ret.result == nil {
			return "Tool execution failed: empty result", true, nil
		}
		return ret.result.Output, ret.result.IsError, ret.result.Metadata
	case <-runCtx.Done():
		go func() {
			ret := <-done
			e.logger.Warn("tool finished after deadline, discarding result",
				"tool", call.Name, "tool_use_id", call.ID, "err", ret.err)
		}()
		if ctx.Err() != nil {
			return "Tool execution aborted", true, nil
		}
		return fmt.Sprintf("Tool execution failed: %s timed out after %s", call.Name, e.timeout), true, nil
	}
}
