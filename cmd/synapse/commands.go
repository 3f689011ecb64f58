package main

import (
	"os"

	"github.com/spf13/cobra"
)

// chatOptions collects the flags of "synapse chat".
type chatOptions struct {
	configPath   string
	sessionID    string
	continueLast bool
	model        string
	systemPrompt string
	noContext    bool
	showThinking bool
}

func buildChatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Run one agentic turn",
		Long: `Sends the prompt through the agent loop, streaming the response and
executing any tools the model requests. Reads the prompt from stdin
when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := ""
			if len(args) == 1 {
				prompt = args[0]
			}
			return runChat(cmd.Context(), opts, prompt)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", os.Getenv("SYNAPSE_CONFIG"), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "", "Resume a specific session by ID")
	cmd.Flags().BoolVar(&opts.continueLast, "continue", false, "Resume the most recent session")
	cmd.Flags().StringVar(&opts.model, "model", "", "Override the configured model")
	cmd.Flags().StringVar(&opts.systemPrompt, "system", "", "Override the configured system prompt")
	cmd.Flags().BoolVar(&opts.noContext, "no-context", false, "Disable context offload and compaction")
	cmd.Flags().BoolVar(&opts.showThinking, "thinking", false, "Print thinking deltas to stderr")
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage persisted sessions",
	}
	cmd.AddCommand(
		buildSessionsListCmd(),
		buildSessionsClearCmd(),
		buildSessionsDeleteCmd(),
		buildSessionsUsageCmd(),
	)
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var configPath string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(configPath, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SYNAPSE_CONFIG"), "Path to YAML configuration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the index as JSON")
	return cmd
}

func buildSessionsClearCmd() *cobra.Command {
	var configPath string
	var keepUsage bool
	cmd := &cobra.Command{
		Use:   "clear <session-id>",
		Short: "Clear a session's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsClear(cmd.Context(), configPath, args[0], keepUsage)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SYNAPSE_CONFIG"), "Path to YAML configuration file")
	cmd.Flags().BoolVar(&keepUsage, "keep-usage", true, "Preserve the accumulated usage tally")
	return cmd
}

func buildSessionsDeleteCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsDelete(cmd.Context(), configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SYNAPSE_CONFIG"), "Path to YAML configuration file")
	return cmd
}

func buildSessionsUsageCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "usage <session-id>",
		Short: "Show a session's token usage and cost",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsUsage(configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SYNAPSE_CONFIG"), "Path to YAML configuration file")
	return cmd
}
