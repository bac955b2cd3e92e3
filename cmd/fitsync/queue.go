package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fitdesk/fitsync/internal/offline/migrate"
	"github.com/fitdesk/fitsync/internal/offline/queue"
	"github.com/fitdesk/fitsync/internal/offline/schema"
	"github.com/fitdesk/fitsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "data",
	Short:   "Inspect and edit the pending-operation queue",
	Long: `Inspect and edit the durable queue of writes waiting to be synced.

At most one operation per collection and record id is kept: queueing a
change to a record that already has one pending replaces it. A running
daemon notices changes made here and syncs them when online.`,
}

var queueAddCmd = &cobra.Command{
	Use:   "add <collection> <insert|update|delete> <json|->",
	Short: "Queue a write",
	Long: `Queue a write for later replay.

The payload is a JSON object; pass - to read it from stdin. Update and
delete need an "id" field.

  fitsync queue add check_ins insert '{"id":"c-17","member_id":"m-3","gym":"north"}'
  fitsync queue add profiles update '{"id":"m-3","phone":"555-0101"}' --priority 1`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := schema.ValidateCollectionName(args[0]); err != nil {
			return err
		}
		kind, err := schema.ParseKind(args[1])
		if err != nil {
			return err
		}
		payload, err := readPayload(args[2], cmd.InOrStdin())
		if err != nil {
			return err
		}

		var opts []queue.Option
		if cmd.Flags().Changed("priority") {
			p, _ := cmd.Flags().GetInt("priority")
			opts = append(opts, queue.WithPriority(p))
		}

		e, err := openEngine(cmd.Context(), cfg, false, false)
		if err != nil {
			return err
		}
		defer e.Close()

		id, err := e.queue.QueueOperation(cmd.Context(), args[0], kind, payload, opts...)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Queued %s %s (op %s, %d pending)\n",
			ui.RenderPass("✓"), kind, args[0], id, e.queue.Count())
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending operations",
	Long: `List pending operations in the order they will sync.

  fitsync queue list
  fitsync queue list --since "2 hours ago" --collection payments
  fitsync queue list --output yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		if err := validateOutput(format); err != nil {
			return err
		}
		sinceFlag, _ := cmd.Flags().GetString("since")
		collection, _ := cmd.Flags().GetString("collection")

		now := time.Now()
		since, err := parseSince(sinceFlag, now)
		if err != nil {
			return err
		}

		e, err := openEngine(cmd.Context(), cfg, false, false)
		if err != nil {
			return err
		}
		defer e.Close()

		ops := filterOperations(e.queue.Pending(), collection, since)
		sortForSync(ops)

		out := cmd.OutOrStdout()
		switch format {
		case outputJSON:
			return writeStructured(out, format, ops)
		case outputYAML:
			return migrate.WriteYAML(out, ops)
		}

		if len(ops) == 0 {
			fmt.Fprintln(out, "No pending operations")
			return nil
		}
		rows := make([][]string, 0, len(ops))
		for _, op := range ops {
			rows = append(rows, []string{
				shortID(op.ID),
				op.Collection,
				string(op.Kind),
				op.TargetID(),
				strconv.Itoa(op.Priority),
				strconv.Itoa(op.RetryCount),
				formatAge(op.EnqueuedTime(), now),
			})
		}
		fmt.Fprint(out, ui.Table([]string{"ID", "COLLECTION", "KIND", "RECORD", "PRIORITY", "RETRIES", "QUEUED"}, rows))
		fmt.Fprintf(out, "\n%d pending\n", len(ops))
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every pending operation",
	Long: `Discard every pending operation without syncing it.

Asks for confirmation when run from a terminal. Use --yes in scripts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")

		e, err := openEngine(cmd.Context(), cfg, false, false)
		if err != nil {
			return err
		}
		defer e.Close()

		n := e.queue.Count()
		if n == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is already empty")
			return nil
		}

		if !yes {
			if !stdinIsTerminal() {
				return fmt.Errorf("refusing to discard %d operations without --yes", n)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Discard %d pending operations?", n)).
				Description("They will never reach the server.").
				Affirmative("Discard").
				Negative("Keep").
				Value(&confirmed).
				Run()
			if err != nil {
				return fmt.Errorf("failed to read confirmation: %w", err)
			}
			if !confirmed {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing discarded")
				return nil
			}
		}

		if err := e.queue.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Discarded %d operations\n", ui.RenderWarn("⚠"), n)
		return nil
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the queue to a JSONL or YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatFlag, _ := cmd.Flags().GetString("format")
		format, err := migrate.ParseFormat(formatFlag, args[0])
		if err != nil {
			return err
		}

		e, err := openEngine(cmd.Context(), cfg, false, false)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := migrate.Export(cmd.Context(), e.queue, migrate.ExportOptions{Path: args[0], Format: format})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d operations to %s\n", ui.RenderPass("✓"), n, args[0])
		return nil
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add operations from a JSONL or YAML file",
	Long: `Add operations from a file written by export (or by another device).

Operations for a record that already has one pending replace it. Invalid
entries are skipped and reported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatFlag, _ := cmd.Flags().GetString("format")
		format, err := migrate.ParseFormat(formatFlag, args[0])
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		resetRetries, _ := cmd.Flags().GetBool("reset-retries")

		e, err := openEngine(cmd.Context(), cfg, false, false)
		if err != nil {
			return err
		}
		defer e.Close()

		result, err := migrate.Import(cmd.Context(), e.queue, migrate.ImportOptions{
			Path:         args[0],
			Format:       format,
			DryRun:       dryRun,
			Backup:       backup,
			ResetRetries: resetRetries,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Fprintf(out, "%s %s %d of %d operations (%d replaced, %d skipped)\n",
			ui.RenderPass("✓"), verb, result.Imported, result.Read, result.Replaced, result.Skipped)
		if result.BackupCreated != "" {
			fmt.Fprintf(out, "   Backup: %s\n", result.BackupCreated)
		}
		for _, msg := range result.Errors {
			fmt.Fprintf(out, "   %s %s\n", ui.RenderWarn("skipped"), msg)
		}
		return nil
	},
}

func init() {
	queueAddCmd.Flags().Int("priority", 0, "Override the collection priority (lower syncs first)")

	queueListCmd.Flags().StringP("output", "o", outputText, "Output format: text, json or yaml")
	queueListCmd.Flags().String("since", "", `Only operations queued after this time ("90m", "yesterday", RFC 3339)`)
	queueListCmd.Flags().StringP("collection", "c", "", "Only operations for this collection")

	queueClearCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	queueExportCmd.Flags().String("format", "", "File format: jsonl or yaml (default: from extension)")

	queueImportCmd.Flags().String("format", "", "File format: jsonl or yaml (default: from extension)")
	queueImportCmd.Flags().Bool("dry-run", false, "Validate the file without changing the queue")
	queueImportCmd.Flags().Bool("backup", false, "Export the current queue next to the file first")
	queueImportCmd.Flags().Bool("reset-retries", false, "Reset retry counts of imported operations")

	queueCmd.AddCommand(queueAddCmd, queueListCmd, queueClearCmd, queueExportCmd, queueImportCmd)
	rootCmd.AddCommand(queueCmd)
}

// stdinIsTerminal gates the interactive confirmation.
var stdinIsTerminal = isTerminal

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readPayload parses a JSON object argument, or stdin when arg is "-".
func readPayload(arg string, stdin io.Reader) (schema.Payload, error) {
	raw := []byte(arg)
	if arg == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
		}
		raw = data
	}

	var payload schema.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("payload must be a JSON object, got null")
	}
	return payload, nil
}

// filterOperations keeps ops for collection (any when empty) queued at or
// after since (any when zero).
func filterOperations(ops []*schema.PendingOperation, collection string, since time.Time) []*schema.PendingOperation {
	out := ops[:0]
	for _, op := range ops {
		if collection != "" && op.Collection != collection {
			continue
		}
		if !since.IsZero() && op.EnqueuedTime().Before(since) {
			continue
		}
		out = append(out, op)
	}
	return out
}

// sortForSync orders ops the way a drain pass replays them: ascending
// priority, ties in queue order.
func sortForSync(ops []*schema.PendingOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Priority < ops[j].Priority
	})
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
