package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/research-orchestrator/internal/monitoring"
)

var (
	statusWatch    bool
	statusInterval int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task progress from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("status"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		// Budget and circuit state live in the running process; a standalone
		// status invocation reports task counts only.
		collector := monitoring.NewCollector(st, nil, nil)

		if !statusWatch {
			return printSnapshot(ctx, collector)
		}

		interval := time.Duration(statusInterval) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := printSnapshot(ctx, collector); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func printSnapshot(ctx context.Context, collector *monitoring.Collector) error {
	snap, err := collector.Collect(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "poll and reprint until interrupted")
	statusCmd.Flags().IntVar(&statusInterval, "interval", 5, "watch poll interval in seconds")
	rootCmd.AddCommand(statusCmd)
}
