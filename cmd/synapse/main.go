// Package main provides the CLI entry point for the Synapse agent
// execution core.
//
// # Basic Usage
//
// Run one agentic turn:
//
//	synapse chat "summarize the files in this directory"
//
// Resume the most recent session:
//
//	synapse chat --continue "now write the summary to NOTES.md"
//
// Inspect persisted sessions:
//
//	synapse sessions list
//	synapse sessions usage <session-id>
//
// # Environment Variables
//
//   - SYNAPSE_CONFIG: path to the configuration file
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: provider credentials
//   - SYNAPSE_MAX_TOOL_ITERATIONS, SYNAPSE_MAX_SESSIONS, SYNAPSE_SESSIONS_DIR:
//     core tuning overrides (see internal/config)
//
// # Exit Codes
//
//	0  run completed normally
//	1  error
//	2  run aborted (interrupt or context cancellation)
//	3  run stopped at the tool iteration limit
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitOK          = 0
	exitError       = 1
	exitAborted     = 2
	exitMaxIterated = 3
)

// exitCodeError carries a specific process exit code up to main.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var coded *exitCodeError
		if errors.As(err, &coded) {
			if coded.err != nil {
				fmt.Fprintln(os.Stderr, "synapse:", coded.err)
			}
			os.Exit(coded.code)
		}
		fmt.Fprintln(os.Stderr, "synapse:", err)
		os.Exit(exitError)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "synapse",
		Short: "Synapse - agent execution core",
		Long: `Synapse runs an agentic loop against an LLM provider: it streams the
model's response, executes requested tools, feeds results back, and
persists the conversation to disk.

Supported providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		// Errors are printed by main with the right exit code.
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}
