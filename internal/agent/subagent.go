package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/synapsehq/synapse/internal/todo"
	"github.com/synapsehq/synapse/internal/tools"
)

// SubAgentType selects a default tool-permission profile.
type SubAgentType string

const (
	SubAgentExplore SubAgentType = "explore"
	SubAgentGeneral SubAgentType = "general"
	SubAgentSkill   SubAgentType = "skill"
)

// IncludeAll grants the parent's full tool set before excludes apply.
const IncludeAll = "all"

// ToolPermissions filters the parent's registry for a sub-agent. Include
// is nil for no tools (pure reasoning), the IncludeAll sentinel, or an
// explicit name list. Exclude entries are name prefixes.
type ToolPermissions struct {
	Include []string
	Exclude []string
}

// defaultPermissions returns the stock profile for a sub-agent type.
func defaultPermissions(kind SubAgentType) ToolPermissions {
	switch kind {
	case SubAgentExplore:
		return ToolPermissions{Include: []string{IncludeAll}, Exclude: []string{"write", "edit", "task"}}
	case SubAgentGeneral, SubAgentSkill:
		return ToolPermissions{Include: []string{IncludeAll}, Exclude: []string{"task"}}
	default:
		return ToolPermissions{Include: []string{IncludeAll}, Exclude: []string{"task"}}
	}
}

// FilterTools applies the permission profile to the parent registry and
// returns a new registry for the sub-agent.
func FilterTools(parent *tools.Registry, perms ToolPermissions) *tools.Registry {
	filtered := tools.NewRegistry()
	if perms.Include == nil {
		return filtered
	}

	var candidates []tools.Tool
	if len(perms.Include) == 1 && perms.Include[0] == IncludeAll {
		candidates = parent.List()
	} else {
		for _, name := range perms.Include {
			if tool, ok := parent.Get(name); ok {
				candidates = append(candidates, tool)
			}
		}
	}

	for _, tool := range candidates {
		excluded := false
		for _, prefix := range perms.Exclude {
			if strings.HasPrefix(tool.Name(), prefix) {
				excluded = true
				break
			}
		}
		if !excluded {
			filtered.Register(tool)
		}
	}
	return filtered
}

// SubAgentSpec describes one sub-agent to spawn.
type SubAgentSpec struct {
	Type         SubAgentType
	SystemPrompt string

	// Permissions overrides the type's default profile when non-nil.
	Permissions *ToolPermissions

	// Timeout bounds the whole sub-agent run; zero means no deadline.
	Timeout time.Duration

	// MaxIterations overrides the parent's cap when positive.
	MaxIterations int
}

// SubAgentCore spawns isolated agents that share the parent's provider
// but run with a filtered tool set, their own event stream, and
// independent failure and exhaustion thresholds.
type SubAgentCore struct {
	provider LLMProvider
	registry *tools.Registry
	cfg      Config
	logger   *slog.Logger
}

// NewSubAgentCore creates a spawner over the parent's provider, registry,
// and base config.
func NewSubAgentCore(provider LLMProvider, registry *tools.Registry, cfg Config, logger *slog.Logger) *SubAgentCore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubAgentCore{
		provider: provider,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "subagent"),
	}
}

// SubAgent is a spawned child loop plus its cancellation handle.
type SubAgent struct {
	Loop   *Loop
	Type   SubAgentType
	cancel context.CancelFunc
}

// Cancel aborts the sub-agent's run.
func (s *SubAgent) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Spawn builds the child loop. The returned context carries the spec's
// timeout and is also canceled by the parent context; pass it to Run.
func (c *SubAgentCore) Spawn(parent context.Context, spec SubAgentSpec) (*SubAgent, context.Context, error) {
	perms := defaultPermissions(spec.Type)
	if spec.Permissions != nil {
		perms = *spec.Permissions
	}
	filtered := FilterTools(c.registry, perms)

	cfg := c.cfg
	cfg.Primary = false
	cfg.DisableContextManagement = true
	cfg.SystemPrompt = spec.SystemPrompt
	if spec.MaxIterations > 0 {
		cfg.MaxIterations = spec.MaxIterations
	}

	loop, err := NewLoop(cfg, Deps{
		Provider: c.provider,
		Registry: filtered,
		Todos:    todo.NewStore(),
		Logger:   c.logger.With("subagent_type", string(spec.Type)),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("spawn %s sub-agent: %w", spec.Type, err)
	}

	ctx := parent
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, spec.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	return &SubAgent{Loop: loop, Type: spec.Type, cancel: cancel}, ctx, nil
}

// RunToCompletion spawns the sub-agent, drains its event stream, and
// returns the final text.
func (c *SubAgentCore) RunToCompletion(parent context.Context, spec SubAgentSpec, prompt string) (string, error) {
	sub, ctx, err := c.Spawn(parent, spec)
	if err != nil {
		return "", err
	}
	defer sub.Cancel()

	stream := sub.Loop.Run(ctx, prompt)
	for range stream.Events() {
	}
	return stream.Result(ctx)
}
