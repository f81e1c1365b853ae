package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
)

var outboxClearForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile queued changes with the remote store",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Reconcile automatically whenever the remote store becomes reachable",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Show queued operations",
	Args:  cobra.NoArgs,
	RunE:  runOutbox,
}

var outboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued operation without sending it",
	Args:  cobra.NoArgs,
	RunE:  runOutboxClear,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the cache and the outbox",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	outboxClearCmd.Flags().BoolVar(&outboxClearForce, "force", false,
		"Required; queued changes are lost")
	outboxCmd.AddCommand(outboxClearCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if jsonOutput {
		errs := make([]string, len(res.Errors))
		for i, e := range res.Errors {
			errs[i] = e.Error()
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"pass_id":     res.PassID,
			"outcome":     res.Outcome,
			"offline":     res.Offline,
			"drained":     res.Drained,
			"promoted":    res.Promoted,
			"updated":     res.Updated,
			"deleted":     res.Deleted,
			"collapsed":   res.Collapsed,
			"dropped":     res.Dropped,
			"retained":    res.Retained,
			"errors":      errs,
			"duration_ms": res.Duration.Milliseconds(),
		})
	}

	out := cmd.OutOrStdout()
	if res.Offline {
		fmt.Fprintln(out, "Remote store unreachable; changes stay queued.")
		return nil
	}
	fmt.Fprintf(out, "Sync %s: %d queued, %d created, %d updated, %d deleted\n",
		res.Outcome, res.Drained, res.Promoted, res.Updated, res.Deleted)
	for _, e := range res.Errors {
		fmt.Fprintf(out, "  %s\n", e.Error())
	}
	if res.Retained > 0 {
		fmt.Fprintf(out, "%d operations kept for the next sync\n", res.Retained)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	c, err := openClient(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "watch", func(ctx context.Context) {
		if err := c.Watch(ctx); err != nil {
			slog.Error("watch failed", "error", err)
			cancel()
		}
	})

	<-ctx.Done()
	slog.Info("shutdown initiated")
	wg.Wait()

	if err := c.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}

func runOutbox(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ops, err := c.Queued(ctx)
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"operations": ops,
			"total":      len(ops),
		})
	}

	if len(ops) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Outbox is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "OP\tKIND\tRECORD\tQUEUED")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", op.ID, op.Kind, op.RecordID, op.Queued.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runOutboxClear(cmd *cobra.Command, args []string) error {
	if !outboxClearForce {
		return fmt.Errorf("refusing to drop queued changes without --force")
	}

	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ClearQueue(ctx); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Outbox cleared.")
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}
	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Total:\t%d\n", st.Total)
	fmt.Fprintf(w, "Completed:\t%d\n", st.Done)
	fmt.Fprintf(w, "Open:\t%d\n", st.Open)
	fmt.Fprintf(w, "Unsynced:\t%d\n", st.Unsynced)
	fmt.Fprintf(w, "Queued operations:\t%d\n", st.PendingOps)
	return w.Flush()
}
