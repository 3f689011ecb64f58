package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/synapsehq/synapse/internal/agent"
	"github.com/synapsehq/synapse/internal/compaction"
	"github.com/synapsehq/synapse/internal/config"
	"github.com/synapsehq/synapse/internal/observability"
	"github.com/synapsehq/synapse/internal/providers"
	"github.com/synapsehq/synapse/internal/sessions"
	"github.com/synapsehq/synapse/internal/todo"
	"github.com/synapsehq/synapse/internal/tokenizer"
	"github.com/synapsehq/synapse/internal/tools"
	"github.com/synapsehq/synapse/internal/usage"
	"github.com/synapsehq/synapse/pkg/models"
)

// core bundles the wired collaborators shared by the commands.
type core struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *sessions.Store
}

func loadCore(configPath string) (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	pricing := usage.NewPricing()
	if cfg.Sessions.PricingFile != "" {
		pricing, err = usage.LoadPricing(cfg.Sessions.PricingFile)
		if err != nil {
			return nil, err
		}
	}
	store, err := sessions.New(sessions.Config{
		Dir:         cfg.Sessions.Dir,
		MaxSessions: cfg.Sessions.MaxSessions,
		Pricing:     pricing.CalculateCost,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &core{cfg: cfg, logger: logger, store: store}, nil
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	switch cfg.Provider.Name {
	case "openai":
		return providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:       cfg.Provider.APIKey,
			BaseURL:      cfg.Provider.BaseURL,
			DefaultModel: cfg.Provider.Model,
		})
	default:
		return providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:       cfg.Provider.APIKey,
			BaseURL:      cfg.Provider.BaseURL,
			DefaultModel: cfg.Provider.Model,
		})
	}
}

func runChat(parent context.Context, opts chatOptions, prompt string) error {
	c, err := loadCore(opts.configPath)
	if err != nil {
		return err
	}
	cfg := c.cfg
	if opts.model != "" {
		cfg.Provider.Model = opts.model
	}
	if opts.systemPrompt != "" {
		cfg.Agent.SystemPrompt = opts.systemPrompt
	}

	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return errors.New("empty prompt")
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	todos := todo.NewStore()
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, todos)

	counter := tokenizer.NewCounter()
	orchestrator := compaction.New(compaction.Config{
		OffloadThreshold:     cfg.Context.OffloadThreshold,
		OffloadRatio:         cfg.Context.OffloadRatio,
		MinOffloadChars:      cfg.Context.MinOffloadChars,
		CompactPreserveCount: cfg.Context.CompactPreserveCount,
		Model:                cfg.Provider.Model,
	}, counter, provider, c.store, c.logger)

	bus := agent.NewEventBus(c.logger)
	if cfg.Metrics.Enabled {
		metrics := observability.NewMetrics()
		defer metrics.Observe(bus)()
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
				c.logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "synapse",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer shutdownTracer(context.Background())

	hooks := agent.NewStopHookPipeline(cfg.Hooks.SubagentTimeout(), cfg.Hooks.MaxEnhanceContextChars, c.logger)

	loop, err := agent.NewLoop(agent.Config{
		Model:                    cfg.Provider.Model,
		SystemPrompt:             cfg.Agent.SystemPrompt,
		MaxTokens:                cfg.Agent.MaxTokens,
		Temperature:              cfg.Agent.Temperature,
		Thinking:                 cfg.Agent.Thinking,
		MaxIterations:            cfg.Agent.MaxIterations,
		FailureWindowSize:        cfg.Agent.FailureWindowSize,
		FailureThreshold:         cfg.Agent.FailureThreshold,
		TodoStaleThreshold:       cfg.Agent.TodoStaleThreshold,
		Primary:                  true,
		DisableContextManagement: opts.noContext,
		ToolTimeout:              cfg.Agent.ToolTimeout(),
	}, agent.Deps{
		Provider: provider,
		Registry: registry,
		Sessions: c.store,
		Context:  orchestrator,
		Todos:    todos,
		Hooks:    hooks,
		Bus:      bus,
		Logger:   c.logger,
	})
	if err != nil {
		return err
	}

	switch {
	case opts.sessionID != "":
		if err := loop.Resume(opts.sessionID); err != nil {
			return err
		}
	case opts.continueLast:
		if info, ok := c.store.Continue(""); ok {
			if err := loop.Resume(info.ID); err != nil {
				return err
			}
		}
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, runSpan := tracer.StartRun(ctx, loop.SessionID(), cfg.Provider.Model)
	defer tracer.Observe(runCtx, bus, cfg.Provider.Name, cfg.Provider.Model)()

	stream := loop.Run(runCtx, prompt)
	stopReason := consumeEvents(stream, opts.showThinking)

	// The stream has terminated by the time Events drains, so the
	// background context cannot block here.
	_, runErr := stream.Result(context.Background())
	observability.EndSpan(runSpan, runErr)
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || agent.Classify(runErr) == agent.KindAborted {
			return &exitCodeError{code: exitAborted, err: errors.New("run aborted")}
		}
		return runErr
	}
	if stopReason == "max_iterations" {
		return &exitCodeError{code: exitMaxIterated}
	}
	return nil
}

// consumeEvents renders the stream to the terminal and returns the
// final stop reason, empty when no agent_end arrived.
func consumeEvents(stream *agent.EventStream, showThinking bool) string {
	stopReason := ""
	printedText := false
	for event := range stream.Events() {
		switch event.Type {
		case models.EventMessageDelta:
			fmt.Print(event.Delta)
			printedText = true
		case models.EventThinking:
			if showThinking {
				fmt.Fprint(os.Stderr, event.Delta)
			}
		case models.EventToolStart:
			if event.Tool != nil {
				fmt.Fprintf(os.Stderr, "\n[tool] %s\n", event.Tool.Name)
			}
		case models.EventToolEnd:
			if event.Tool != nil && event.Tool.IsError {
				fmt.Fprintf(os.Stderr, "[tool] %s failed: %s\n", event.Tool.Name, event.Tool.Output)
			}
		case models.EventContextManagement:
			if event.Context != nil {
				fmt.Fprintf(os.Stderr, "[context] %s freed ~%d tokens\n",
					event.Context.Action, event.Context.FreedTokens)
			}
		case models.EventError:
			if event.Error != nil && event.Error.Recoverable {
				fmt.Fprintf(os.Stderr, "[retry] %s\n", event.Error.Message)
			}
		case models.EventAgentEnd:
			if event.Result != nil {
				stopReason = event.Result.StopReason
			}
		}
	}
	if printedText {
		fmt.Println()
	}
	return stopReason
}

func runSessionsList(configPath string, asJSON bool) error {
	c, err := loadCore(configPath)
	if err != nil {
		return err
	}
	list := c.store.List()
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	if len(list) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, info := range list {
		title := info.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %3d msgs  %s  %s\n",
			info.ID, info.MessageCount, info.UpdatedAt.Format("2006-01-02 15:04"), title)
	}
	return nil
}

func runSessionsClear(ctx context.Context, configPath, id string, keepUsage bool) error {
	c, err := loadCore(configPath)
	if err != nil {
		return err
	}
	if err := c.store.Clear(ctx, id, keepUsage); err != nil {
		return err
	}
	fmt.Printf("cleared %s\n", id)
	return nil
}

func runSessionsDelete(ctx context.Context, configPath, id string) error {
	c, err := loadCore(configPath)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func runSessionsUsage(configPath, id string) error {
	c, err := loadCore(configPath)
	if err != nil {
		return err
	}
	if _, ok := c.store.Find(id); !ok {
		return fmt.Errorf("session %s not found", id)
	}
	u := c.store.Usage(id)
	fmt.Printf("model:          %s\n", u.Model)
	fmt.Printf("rounds:         %d\n", len(u.Rounds))
	fmt.Printf("input tokens:   %s\n", usage.FormatTokens(u.InputOther))
	fmt.Printf("output tokens:  %s\n", usage.FormatTokens(u.Output))
	fmt.Printf("cache read:     %s\n", usage.FormatTokens(u.CacheRead))
	fmt.Printf("cache created:  %s\n", usage.FormatTokens(u.CacheCreation))
	if u.TotalCost != nil {
		fmt.Printf("estimated cost: $%.4f\n", *u.TotalCost)
	} else {
		fmt.Printf("estimated cost: unknown\n")
	}
	return nil
}
