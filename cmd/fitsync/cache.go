package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitdesk/fitsync/internal/offline/cache"
	"github.com/fitdesk/fitsync/internal/offline/schema"
	"github.com/fitdesk/fitsync/internal/offline/store"
	"github.com/fitdesk/fitsync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "data",
	Short:   "Inspect the local read cache",
	Long: `Inspect the versioned TTL cache in the local database.

Entries written by a different cache version read as absent and are
overwritten by the next successful fetch.`,
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show one cache entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx, cfg, false, false)
		if err != nil {
			return err
		}
		defer e.Close()

		layer, err := e.newCache(nil, nil)
		if err != nil {
			return err
		}
		defer layer.Close()

		entry, ok, err := layer.Entry(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !ok {
			fmt.Fprintf(out, "%s %s is not cached (or was cached by another version)\n", ui.RenderWarn("⚠"), args[0])
			return nil
		}

		var data any
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return fmt.Errorf("failed to decode cached data: %w", err)
		}
		fmt.Fprintf(out, "%s %s\n", ui.RenderBold("Key:"), args[0])
		fmt.Fprintf(out, "%s %d\n", ui.RenderBold("Version:"), entry.Version)
		fmt.Fprintf(out, "%s %s (%s)\n", ui.RenderBold("Stored:"), entry.StoredAt().Format(time.RFC3339), formatAge(entry.StoredAt(), time.Now()))
		return writeStructured(out, outputJSON, data)
	},
}

var cacheFetchCmd = &cobra.Command{
	Use:   "fetch <collection>",
	Short: "Read a collection through the cache",
	Long: `Read a collection from the remote, falling back to the cached copy.

With --stale the cached copy is returned at once and refreshed in the
background. With --offline the remote is not contacted at all.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := schema.ValidateCollectionName(args[0]); err != nil {
			return err
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		stale, _ := cmd.Flags().GetBool("stale")
		offline, _ := cmd.Flags().GetBool("offline")

		ctx := cmd.Context()
		e, err := openEngine(ctx, cfg, !offline, false)
		if err != nil {
			return err
		}
		defer e.Close()

		layer, err := e.newCache(func() bool { return !offline }, nil)
		if err != nil {
			return err
		}
		defer layer.Close()

		fetcher := func(ctx context.Context) ([]schema.Payload, error) {
			return e.reader.List(ctx, args[0])
		}
		res := cache.Fetch[[]schema.Payload](ctx, layer, collectionKey(args[0]), fetcher, cache.FetchOptions{
			TTL:                  ttl,
			StaleWhileRevalidate: stale,
		})
		// Let a background refresh land before the database closes.
		layer.Wait()

		out := cmd.OutOrStdout()
		if res.Err != nil {
			fmt.Fprintf(out, "%s Remote read failed: %v\n", ui.RenderWarn("⚠"), res.Err)
		}
		if !res.Found {
			return fmt.Errorf("no data for %s: not cached and the remote could not be read", args[0])
		}

		source := ui.RenderPass("fresh")
		if res.FromCache {
			source = ui.RenderWarn("cached " + formatAge(res.CachedAt, time.Now()))
		}
		fmt.Fprintf(out, "%d records from %s (%s)\n", len(res.Data), args[0], source)
		return writeStructured(out, outputJSON, res.Data)
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache occupancy",
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

		stats, err := e.db.GetCacheStats(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if format != outputText {
			return writeStructured(out, format, stats)
		}
		printCacheStats(cmd, stats)
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx, cfg, false, false)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.db.ClearExpiredCache(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %d expired entries\n", ui.RenderPass("✓"), n)
		return nil
	},
}

func init() {
	cacheFetchCmd.Flags().Duration("ttl", 0, "TTL of the refreshed entry (default: cache.default_ttl)")
	cacheFetchCmd.Flags().Bool("stale", false, "Return the cached copy immediately and refresh in the background")
	cacheFetchCmd.Flags().Bool("offline", false, "Do not contact the remote")
	cacheStatsCmd.Flags().StringP("output", "o", outputText, "Output format: text, json or yaml")

	cacheCmd.AddCommand(cacheGetCmd, cacheFetchCmd, cacheStatsCmd, cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}

// collectionKey is the cache key a collection read is stored under.
func collectionKey(collection string) string {
	return "collection:" + collection
}

func printCacheStats(cmd *cobra.Command, stats store.CacheStats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "   Entries: %d (%d expired)\n", stats.Entries, stats.Expired)
	fmt.Fprintf(out, "   Size:    %s\n", formatBytes(stats.Bytes))
	if stats.Entries > 0 {
		now := time.Now()
		fmt.Fprintf(out, "   Oldest:  %s\n", formatAge(stats.Oldest, now))
		fmt.Fprintf(out, "   Newest:  %s\n", formatAge(stats.Newest, now))
	}
}
