package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/fitdesk/fitsync/internal/offline/daemon"
	"github.com/fitdesk/fitsync/internal/offline/dashboard"
	"github.com/fitdesk/fitsync/internal/offline/metrics"
	"github.com/fitdesk/fitsync/internal/offline/netwatch"
	"github.com/fitdesk/fitsync/internal/offline/notify"
	"github.com/fitdesk/fitsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "engine",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync manager until interrupted.

The daemon loads the pending-operation queue, sweeps expired cache entries
and drains the queue whenever the device is online. It probes connectivity
(netwatch.probe_url) and replays the queue on every offline to online
transition. It also picks up operations added by other fitsync processes
through the file watch on the storage directory.

A WebSocket dashboard broadcasts state, toasts, sync results and cache
statistics, and serves /health, /state and /metrics:

  fitsync daemon                    # dashboard on 127.0.0.1:8080
  fitsync daemon --port 9000
  fitsync daemon --no-dashboard --log-file /var/log/fitsync.log`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 8080, "Dashboard port (0 picks a free port)")
	daemonCmd.Flags().String("host", "127.0.0.1", "Dashboard bind address")
	daemonCmd.Flags().Bool("no-dashboard", false, "Do not start the dashboard server")
	daemonCmd.Flags().String("log-file", "", "Write logs to a rotating file instead of stderr")
	daemonCmd.Flags().String("probe-url", "", "URL probed for connectivity (empty: assume online)")

	bindFlags(daemonCmd.Flags(), map[string]string{
		"dashboard.port":     "port",
		"dashboard.host":     "host",
		"log.file":           "log-file",
		"netwatch.probe_url": "probe-url",
	})

	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	noDashboard, _ := cmd.Flags().GetBool("no-dashboard")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, err := openEngine(ctx, cfg, true, true)
	if err != nil {
		return err
	}
	defer e.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	notifiers := []notify.Notifier{notify.NewLogNotifier(e.logger("[toast] "))}
	if e.logOut != os.Stderr {
		notifiers = append(notifiers, ui.NewToaster(os.Stdout))
	}

	var (
		server  *dashboard.Server
		handler *dashboard.Handler
	)
	if !noDashboard && cfg.Dashboard.Enabled {
		server = dashboard.NewServer(&dashboard.Config{
			Host:     cfg.Dashboard.Host,
			Port:     cfg.Dashboard.Port,
			Gatherer: reg,
			Logger:   e.logger("[dashboard] "),
		})
		handler = dashboard.NewHandler(server, e.logger("[dashboard] "))
		notifiers = append(notifiers, handler)
	}

	var probe netwatch.Probe
	if cfg.Netwatch.ProbeURL != "" {
		probe = &netwatch.HTTPProbe{URL: cfg.Netwatch.ProbeURL}
	}
	monitor, err := netwatch.NewMonitor(probe, &netwatch.Config{
		Interval: cfg.Netwatch.Interval,
		Timeout:  cfg.Netwatch.Timeout,
		Initial:  true,
		Logger:   e.logger("[netwatch] "),
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	layer, err := e.newCache(monitor.IsOnline, m)
	if err != nil {
		return err
	}

	priorities, err := cfg.Priorities()
	if err != nil {
		return err
	}

	manager, err := daemon.New(daemon.Options{
		Storage:    e.storage,
		Service:    e.service,
		Cache:      layer,
		Monitor:    monitor,
		Notifier:   notify.Multi(notifiers...),
		Logger:     e.logger("[daemon] "),
		Metrics:    m,
		Priorities: priorities,
		Sync:       cfg.SyncerConfig(),
	})
	if err != nil {
		layer.Close()
		return fmt.Errorf("failed to create sync manager: %w", err)
	}

	if server != nil {
		detach := handler.Attach(manager)
		defer detach()
		if err := server.Start(); err != nil {
			_ = manager.Stop()
			return err
		}
		defer func() { _ = server.Stop() }()
		fmt.Printf("%s Dashboard on http://%s (ws://%s/ws)\n", ui.RenderAccent("→"), server.Addr(), server.Addr())
	}

	go func() {
		select {
		case <-manager.Ready():
		case <-ctx.Done():
			return
		}
		s := manager.State()
		fmt.Printf("%s Sync engine running: %d pending, online=%v\n", ui.RenderPass("✓"), s.PendingCount, s.IsOnline)
		fmt.Println("Press Ctrl+C to stop...")
	}()

	if err := manager.Start(ctx); err != nil {
		return err
	}
	fmt.Println("\nSync engine stopped")
	return nil
}
