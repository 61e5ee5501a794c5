// Package main provides the callrelay operator CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "callrelay",
		Short: "Tool-call orchestration for LLM agents",
		Long: `callrelay runs batches of remote callable invocations with deduplication,
typed retries, per-category timeouts and bounded concurrency, and keeps a
local registry of the remote callable catalog.

Configuration comes from defaults, CALLRELAY_* environment variables and an
optional JSON or YAML file (--config).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "registry", Title: "Registry:"},
		&cobra.Group{ID: "runtime", Title: "Runtime:"},
	)

	for _, cmd := range []*cobra.Command{syncCmd(), callablesCmd(), linkCmd(), unlinkCmd(), agentCallablesCmd()} {
		cmd.GroupID = "registry"
		rootCmd.AddCommand(cmd)
	}
	run := runCmd()
	run.GroupID = "runtime"
	rootCmd.AddCommand(run)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}
