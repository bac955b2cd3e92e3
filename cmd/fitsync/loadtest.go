package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitdesk/fitsync/internal/offline/loadtest"
	"github.com/fitdesk/fitsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Stress the queue with concurrent writers and a full drain",
	Long: `Run concurrent producers against a scratch queue, then drain it.

Each client queues check-ins, weight entries, workout and nutrition logs and
payments; --update-ratio of its writes are profile updates that collapse
into one pending operation per client. The drain replays everything against
a scratch SQLite remote, failing --failure-rate of the calls so the retry
path runs. Backoff delays are counted but not waited out.

The scratch data lives in a temporary directory unless --dir is given; your
real queue is never touched.

  fitsync loadtest --clients 50 --ops 20
  fitsync loadtest --backend sqlite --failure-rate 0.2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		clients, _ := cmd.Flags().GetInt("clients")
		ops, _ := cmd.Flags().GetInt("ops")
		updateRatio, _ := cmd.Flags().GetFloat64("update-ratio")
		failureRate, _ := cmd.Flags().GetFloat64("failure-rate")
		backend, _ := cmd.Flags().GetString("backend")
		dir, _ := cmd.Flags().GetString("dir")

		if updateRatio < 0 || updateRatio > 1 || failureRate < 0 || failureRate >= 1 {
			return fmt.Errorf("--update-ratio must be in [0,1] and --failure-rate in [0,1)")
		}
		if dir == "" {
			tmp, err := os.MkdirTemp("", "fitsync-loadtest-")
			if err != nil {
				return fmt.Errorf("failed to create scratch directory: %w", err)
			}
			defer os.RemoveAll(tmp)
			dir = tmp
		} else {
			dir = filepath.Clean(dir)
		}

		var logger *log.Logger
		if verbose {
			logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags)
		}
		h, err := loadtest.NewHarness(dir, backend, logger)
		if err != nil {
			return err
		}
		defer h.Close()

		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		fmt.Fprintf(out, "%s %d clients x %d operations on %s storage\n", ui.RenderAccent("→"), clients, ops, backend)
		start := time.Now()
		enqueue, err := h.RunConcurrentEnqueues(ctx, clients, ops, updateRatio)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s Enqueued in %v: %d calls, %d pending after replacement\n",
			ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond), enqueue.TotalCalls, h.Queue.Count())
		enqueue.PrintStats(out)

		drain, err := h.Drain(ctx, failureRate, 0)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		drain.PrintStats(out)

		records, err := h.RemoteRecords(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n   Remote records: %d of %d inserted\n", records, h.Inserts)
		if drain.Remaining > 0 {
			fmt.Fprintf(out, "%s %d operations still pending after %d passes\n", ui.RenderWarn("⚠"), drain.Remaining, drain.Passes)
		}
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("clients", 20, "Concurrent producers")
	loadtestCmd.Flags().Int("ops", 25, "Operations per producer")
	loadtestCmd.Flags().Float64("update-ratio", 0.1, "Share of writes that are profile updates")
	loadtestCmd.Flags().Float64("failure-rate", 0.1, "Share of remote calls that fail transiently")
	loadtestCmd.Flags().String("backend", loadtest.BackendFile, "Queue storage: file or sqlite")
	loadtestCmd.Flags().String("dir", "", "Keep scratch data in this directory")
	rootCmd.AddCommand(loadtestCmd)
}
