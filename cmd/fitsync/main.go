// Command fitsync runs and inspects the offline sync engine of the studio
// client: the pending-operation queue, the read cache and the daemon that
// drains the queue when the device comes back online.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fitdesk/fitsync/internal/config"
	"github.com/fitdesk/fitsync/internal/ui"
)

var (
	// v holds defaults, config file, environment and bound flags.
	v = config.New()

	// cfg is resolved in PersistentPreRunE before any command runs.
	cfg *config.Config

	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "fitsync",
	Short: "Offline write queue and cache for the studio client",
	Long: `fitsync keeps the studio client usable without a connection.

Writes made while offline (check-ins, weight entries, workout and nutrition
logs, class bookings, payments) are stored in a durable pending-operation
queue and replayed in priority order once connectivity returns. Reads go
through a versioned TTL cache with stale-while-revalidate.

Configuration is read from fitsync.yaml (or .toml) in $HOME/.fitsync or the
working directory, from FITSYNC_* environment variables, and from flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "engine", Title: "Engine:"},
		&cobra.Group{ID: "data", Title: "Queue and cache:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default: fitsync.yaml in $HOME/.fitsync or .)")
	flags.String("data-dir", ".fitsync", "Directory holding the queue and the local database")
	flags.String("storage", config.BackendFile, "Queue storage backend: file or sqlite")
	flags.String("remote", config.RemoteSQL, "Remote kind: sql or http")
	flags.String("remote-dsn", "", "SQL remote DSN (file path or libsql:// URL)")
	flags.String("remote-url", "", "HTTP remote base URL")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")

	bindFlags(flags, map[string]string{
		"data_dir":        "data-dir",
		"storage.backend": "storage",
		"remote.kind":     "remote",
		"remote.dsn":      "remote-dsn",
		"remote.url":      "remote-url",
	})
}

// bindFlags binds flags to config keys so an explicitly set flag wins over
// the file and the environment. Binding only fails for an unknown flag
// name, which is a programming error.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
