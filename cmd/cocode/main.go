// Package main provides the cocode CLI entry point: a terminal-based
// conversational execution engine wrapping internal/agent.Loop.
//
// # Basic Usage
//
// Start a chat in the current directory (resumes the directory's session
// if one exists):
//
//	cocode chat
//
// Resume a specific session by id:
//
//	cocode resume <session-id>
//
// Print the resolved configuration:
//
//	cocode config
//
// # Environment Variables
//
//   - COCODE_HOME: storage root (default ~/.cocode)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY, AZURE_OPENAI_API_KEY,
//     AZURE_OPENAI_ENDPOINT, OPENROUTER_API_KEY, AWS_ACCESS_KEY_ID,
//     AWS_SECRET_ACCESS_KEY: provider credentials
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "cocode",
		Short: "cocode - a conversational execution engine",
		Long: `cocode drives a streaming provider adapter through a tool-using agent
loop with bounded-context history, compaction, and subagent spawning.

Supported providers: Anthropic, OpenAI, Azure OpenAI, Google Gemini,
AWS Bedrock, OpenRouter, Ollama.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	rootCmd.AddCommand(
		buildChatCmd(&configPath),
		buildResumeCmd(&configPath),
		buildConfigCmd(&configPath),
	)
	return rootCmd
}
