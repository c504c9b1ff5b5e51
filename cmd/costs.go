package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/research-orchestrator/internal/cost"
)

var costsDay string

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Report provider spend for one UTC day",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("costs"); err != nil {
			return err
		}

		day := time.Now().UTC()
		if costsDay != "" {
			parsed, err := time.Parse("2006-01-02", costsDay)
			if err != nil {
				return eris.Wrapf(err, "parse --day %q", costsDay)
			}
			day = parsed
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		reporter := cost.NewReporter(st, costRates())
		report, err := reporter.Daily(ctx, day)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// costRates folds the configured daily caps into the default per-provider
// rate card. The report cap is the sum of all class caps.
func costRates() cost.Rates {
	rates := cost.DefaultRates()
	if len(cfg.Budget.DailyCapsUSD) > 0 {
		total := 0.0
		for _, cap := range cfg.Budget.DailyCapsUSD {
			if cap > 0 {
				total += cap
			}
		}
		rates.DailyCapUSD = total
	}
	if cfg.Budget.WarnFraction > 0 {
		rates.WarnFraction = cfg.Budget.WarnFraction
	}
	return rates
}

func init() {
	costsCmd.Flags().StringVar(&costsDay, "day", "", "UTC day to report, YYYY-MM-DD (default today)")
	rootCmd.AddCommand(costsCmd)
}
