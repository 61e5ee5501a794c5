package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/itsneelabh/callrelay/core"
)

func syncCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local registry with the remote catalog",
		Long: `Fetch the remote callable catalog and upsert every entry into the local store.

With --interval the command keeps running and re-syncs on every tick until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if interval <= 0 {
				interval = a.cfg.Registry.SyncInterval
			}
			if interval > 0 {
				fmt.Fprintf(os.Stderr, "Syncing every %s (Ctrl+C to stop)\n", interval)
				a.registry.Run(ctx, interval)
				return nil
			}

			defs, err := a.registry.SyncFromRemoteCatalog(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), defs)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s synced %d callables\n", color.GreenString("✓"), len(defs))
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "Keep syncing at this interval")
	return cmd
}

func callablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "callables",
		Aliases: []string{"ls"},
		Short:   "List callables in the local registry",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			defs, err := a.registry.ListAvailable(ctx)
			if err != nil {
				return err
			}
			return printCallables(cmd.OutOrStdout(), defs)
		},
	}
}

func linkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <agent-id> <callable-id>",
		Short: "Grant an agent access to a callable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.registry.LinkToAgent(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s linked %s → %s\n", color.GreenString("✓"), args[0], args[1])
			return nil
		},
	}
}

func unlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <agent-id> <callable-id>",
		Short: "Revoke an agent's access to a callable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.registry.Unlink(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s unlinked %s → %s\n", color.GreenString("✓"), args[0], args[1])
			return nil
		},
	}
}

func agentCallablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent-callables <agent-id>",
		Short: "List the callables linked to an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			defs, err := a.registry.ListForAgent(ctx, args[0])
			if err != nil {
				return err
			}
			return printCallables(cmd.OutOrStdout(), defs)
		},
	}
}

func runCmd() *cobra.Command {
	var (
		file   string
		noSync bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a batch of calls",
		Long: `Read a JSON array of call requests and execute it as one batch.

Each request is {"id", "name", "arguments", "category"}; only name is
required. Results are printed to stdout as a JSON array in request order.

Examples:
  callrelay run --file batch.json
  cat batch.json | callrelay run --file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			reqs, err := readBatch(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			// the memory store starts empty on every invocation
			if !noSync && strings.EqualFold(a.cfg.Registry.Store, "memory") {
				if _, err := a.registry.SyncFromRemoteCatalog(ctx); err != nil {
					return err
				}
			}

			sched, err := a.newScheduler(ctx)
			if err != nil {
				return err
			}

			start := time.Now()
			results := sched.ExecuteBatch(ctx, reqs)
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			printSummary(os.Stderr, results, time.Since(start))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Batch file (- for stdin)")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Skip the catalog sync before running")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readBatch(stdin io.Reader, path string) ([]core.CallRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}

	var reqs []core.CallRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("batch must be a JSON array of call requests: %w", err)
	}
	for i, req := range reqs {
		if req.Name == "" {
			return nil, fmt.Errorf("request %d has no name", i)
		}
	}
	return reqs, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCallables(w io.Writer, defs []core.CallableDefinition) error {
	if jsonOutput {
		return writeJSON(w, defs)
	}
	if len(defs) == 0 {
		fmt.Fprintln(w, color.YellowString("No callables"))
		return nil
	}
	for _, def := range defs {
		category := string(def.Category)
		if category == "" {
			category = "-"
		}
		fmt.Fprintf(w, "%-24s %s  %s  %s\n",
			color.CyanString(def.Name), def.ID, category, truncate(def.Description, 60))
	}
	return nil
}

func printSummary(w io.Writer, results []core.CallResult, elapsed time.Duration) {
	var ok, failed, cached, deduped int
	for _, r := range results {
		if r.Success {
			ok++
		} else {
			failed++
		}
		if r.Cached {
			cached++
		}
		if r.Deduplicated {
			deduped++
		}
	}

	status := color.GreenString("✓")
	if failed > 0 {
		status = color.RedString("✗")
	}
	fmt.Fprintf(w, "%s %d calls in %s: %d ok, %d failed, %d cached, %d deduplicated\n",
		status, len(results), elapsed.Round(time.Millisecond), ok, failed, cached, deduped)
	for _, r := range results {
		if !r.Success {
			fmt.Fprintf(w, "  %s %s (%s): %s\n", color.RedString("✗"), r.Name, r.ErrorKind, r.Error)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
