package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitdesk/fitsync/internal/offline/daemon"
	"github.com/fitdesk/fitsync/internal/offline/schema"
	"github.com/fitdesk/fitsync/internal/offline/store"
	"github.com/fitdesk/fitsync/internal/ui"
)

// statusReport is what `fitsync status` prints.
type statusReport struct {
	DataDir      string           `json:"data_dir" yaml:"data_dir"`
	Backend      string           `json:"backend" yaml:"backend"`
	Pending      int              `json:"pending" yaml:"pending"`
	ByCollection map[string]int   `json:"by_collection" yaml:"by_collection"`
	Retrying     int              `json:"retrying" yaml:"retrying"`
	OldestQueued time.Time        `json:"oldest_queued,omitempty" yaml:"oldest_queued,omitempty"`
	Online       *bool            `json:"online,omitempty" yaml:"online,omitempty"`
	Cache        store.CacheStats `json:"cache" yaml:"cache"`

	// Daemon is the live state of a running daemon, if its dashboard
	// answered.
	Daemon *daemon.State `json:"daemon,omitempty" yaml:"daemon,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "engine",
	Short:   "Show queue, cache and daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		if err := validateOutput(format); err != nil {
			return err
		}

		ctx := cmd.Context()
		e, err := openEngine(ctx, cfg, false, false)
		if err != nil {
			return err
		}
		defer e.Close()

		report := buildStatus(e.queue.Pending())
		report.DataDir = cfg.DataDir
		report.Backend = cfg.Storage.Backend
		if report.Cache, err = e.db.GetCacheStats(ctx); err != nil {
			return err
		}
		if cfg.Netwatch.ProbeURL != "" {
			online := probeOnce(ctx, cfg.Netwatch.ProbeURL, cfg.Netwatch.Timeout)
			report.Online = &online
		}
		if cfg.Dashboard.Enabled {
			report.Daemon = fetchDaemonState(ctx, cfg.Dashboard.Host, cfg.Dashboard.Port)
		}

		out := cmd.OutOrStdout()
		if format != outputText {
			return writeStructured(out, format, report)
		}

		fmt.Fprintf(out, "\n%s\n", ui.RenderBold("fitsync status"))
		fmt.Fprintf(out, "   Data:    %s (%s storage)\n", report.DataDir, report.Backend)
		if report.Online != nil {
			if *report.Online {
				fmt.Fprintf(out, "   Network: %s\n", ui.RenderPass("online"))
			} else {
				fmt.Fprintf(out, "   Network: %s\n", ui.RenderWarn("offline"))
			}
		}

		fmt.Fprintf(out, "\n%s %d pending", ui.RenderBold("Queue:"), report.Pending)
		if report.Retrying > 0 {
			fmt.Fprintf(out, " (%s)", ui.RenderWarn(fmt.Sprintf("%d retrying", report.Retrying)))
		}
		fmt.Fprintln(out)
		if report.Pending > 0 {
			names := make([]string, 0, len(report.ByCollection))
			for name := range report.ByCollection {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "   %-18s %d\n", name, report.ByCollection[name])
			}
			fmt.Fprintf(out, "   Oldest:  %s\n", formatAge(report.OldestQueued, time.Now()))
		}

		fmt.Fprintf(out, "\n%s\n", ui.RenderBold("Cache:"))
		printCacheStats(cmd, report.Cache)

		fmt.Fprintf(out, "\n%s ", ui.RenderBold("Daemon:"))
		if report.Daemon == nil {
			fmt.Fprintln(out, ui.RenderMuted("not running"))
		} else {
			s := report.Daemon
			state := "idle"
			if s.IsSyncing {
				state = fmt.Sprintf("syncing %d%%", s.SyncProgress)
			}
			fmt.Fprintf(out, "%s, %s, online=%v, last sync %s\n",
				ui.RenderPass("running"), state, s.IsOnline, formatAge(s.LastSyncTime, time.Now()))
		}
		fmt.Fprintln(out)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringP("output", "o", outputText, "Output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}

// buildStatus summarizes the queued operations.
func buildStatus(ops []*schema.PendingOperation) *statusReport {
	report := &statusReport{
		Pending:      len(ops),
		ByCollection: make(map[string]int),
	}
	for _, op := range ops {
		report.ByCollection[op.Collection]++
		if op.RetryCount > 0 {
			report.Retrying++
		}
		if t := op.EnqueuedTime(); report.OldestQueued.IsZero() || t.Before(report.OldestQueued) {
			report.OldestQueued = t
		}
	}
	return report
}

// fetchDaemonState asks a running daemon's dashboard for its state. It
// returns nil when nothing answers.
func fetchDaemonState(ctx context.Context, host string, port int) *daemon.State {
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	url := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/state"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var state daemon.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil
	}
	return &state
}
