// cachectl is the operational CLI for the answer cache: inspect stats,
// clear both tiers, and force a document validation pass.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/askdoc/answercache"
	"github.com/askdoc/answercache/config"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "cachectl",
		Short:   "Operate the adaptive two-tier answer cache",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "answercache.yaml", "path to config file")

	root.AddCommand(
		newStatsCmd(&configPath),
		newClearCmd(&configPath),
		newValidateCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openSystem(ctx context.Context, configPath string) (*answercache.System, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return answercache.Open(ctx, cfg, nil, log)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = parsed
	}
	return cfg.Build()
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-tier entry counts and recent validation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sys, err := openSystem(ctx, *configPath)
			if err != nil {
				return err
			}
			defer sys.Close()

			stats, err := sys.Cache.Stats(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("ephemeral entries: %d\n", stats.EphemeralCount)
			fmt.Printf("permanent entries: %d\n", stats.PermanentCount)

			if len(stats.RecentValidations) > 0 {
				fmt.Println("\nrecent validation history:")
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "WHEN\tCHECKED\tCHANGES\tCLEARED")
				for _, rec := range stats.RecentValidations {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\n",
						rec.Timestamp.Format(time.RFC3339),
						rec.DocumentsChecked, rec.ChangesDetected, rec.EntriesCleared)
				}
				w.Flush()
			}
			return nil
		},
	}
}

func newClearCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Empty both cache tiers and all search counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sys, err := openSystem(ctx, *configPath)
			if err != nil {
				return err
			}
			defer sys.Close()

			info, err := sys.Cache.ClearAll(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("cleared %d ephemeral, %d permanent, %d counters\n",
				info.Ephemeral, info.Permanent, info.Counters)
			return nil
		},
	}
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Run an out-of-band document validation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sys, err := openSystem(ctx, *configPath)
			if err != nil {
				return err
			}
			defer sys.Close()

			if sys.Validator == nil {
				return fmt.Errorf("no document source configured (set validation.documents_dir)")
			}

			rec, err := sys.Cache.ForceValidate(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("checked %d documents, %d changed, %d cache entries cleared\n",
				rec.DocumentsChecked, rec.ChangesDetected, rec.EntriesCleared)
			return nil
		},
	}
}
