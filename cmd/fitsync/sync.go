package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitdesk/fitsync/internal/offline/netwatch"
	"github.com/fitdesk/fitsync/internal/offline/queue"
	"github.com/fitdesk/fitsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "engine",
	Short:   "Replay pending operations once",
	Long: `Run one drain pass now, without the debounce window.

Operations are replayed in ascending priority. Successful and conflicting
operations are removed, failed ones stay queued with a higher retry count
and are dropped after the retry ceiling. Items that already failed wait out
their backoff within the pass.

If netwatch.probe_url is set, the pass is skipped while offline unless
--force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		format, _ := cmd.Flags().GetString("output")
		if err := validateOutput(format); err != nil {
			return err
		}

		ctx := cmd.Context()
		e, err := openEngine(ctx, cfg, true, false)
		if err != nil {
			return err
		}
		defer e.Close()

		out := cmd.OutOrStdout()
		if !force && cfg.Netwatch.ProbeURL != "" {
			online := probeOnce(ctx, cfg.Netwatch.ProbeURL, cfg.Netwatch.Timeout)
			if !online {
				fmt.Fprintf(out, "%s Offline: %d operations stay queued\n", ui.RenderWarn("⚠"), e.queue.Count())
				return nil
			}
		}

		sc := cfg.SyncerConfig()
		sc.Service = e.service
		sc.Logger = e.logger("[queue] ")
		if format == outputText {
			sc.Notifier = ui.NewToaster(out)
		}
		syncer, err := queue.NewSyncer(e.queue, sc)
		if err != nil {
			return err
		}
		defer syncer.Close()

		res, err := syncer.SyncPendingOperations(ctx)
		if err != nil {
			return err
		}
		if format != outputText {
			return writeStructured(out, format, res)
		}
		if res.Skipped {
			fmt.Fprintln(out, "Nothing to sync")
			return nil
		}
		fmt.Fprintf(out, "%s %d of %d synced in %v (%d conflicts, %d retrying, %d dropped), %d pending\n",
			ui.RenderAccent("→"), res.Succeeded+res.Conflicts, res.Total, res.Duration.Round(time.Millisecond),
			res.Conflicts, res.Retrying, res.Dropped, e.queue.Count())
		if res.Interrupted {
			fmt.Fprintln(os.Stderr, ui.RenderWarn("Sync interrupted before every operation ran"))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("force", false, "Sync even if the connectivity probe fails")
	syncCmd.Flags().StringP("output", "o", outputText, "Output format: text, json or yaml")
	rootCmd.AddCommand(syncCmd)
}

// probeOnce runs a single connectivity check.
func probeOnce(ctx context.Context, url string, timeout time.Duration) bool {
	probe := &netwatch.HTTPProbe{URL: url}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return probe.Check(ctx) == nil
}
