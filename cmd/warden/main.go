// Package main is the warden CLI. Warden interposes between an LLM-driven
// agent and its tool calls, enforcing a layered gating policy that
// escalates from automatic allow/deny through content filtering, AI
// review, and human confirmation over web, chat, and phone channels.
//
// Start the runtime:
//
//	warden serve --config warden.yaml
//
// Check a running instance:
//
//	warden status
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Populated by the release build via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - guarded agent orchestration runtime",
		Long: `Warden gates every tool call an LLM agent makes through a policy
pipeline (allow, deny, filter, AI review, phone or human approval),
schedules autonomous agent runs, and keeps a forensic audit log.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("warden %s (%s)\n", version, commit)
		},
	}
}
