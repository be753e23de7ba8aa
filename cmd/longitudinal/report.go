package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pheme-project/longitudinal/internal/mart"
	"github.com/pheme-project/longitudinal/internal/report"
)

var (
	reportDate          string
	reportRegion        string
	reportPort          int
	reportIncludeVitals bool
)

var reportCmd = &cobra.Command{
	Use:   "report <data_mart> <out_file>",
	Short: "Write the daily ESSENCE extract for one day",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		date := time.Now().AddDate(0, 0, -1) // yesterday by default
		if reportDate != "" {
			parsed, err := time.Parse("2006-01-02", reportDate)
			if err != nil {
				return fmt.Errorf("--date %q: %w", reportDate, err)
			}
			date = parsed
		}
		date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())

		mt, err := mart.Open(cfg.MartHost, reportPort, args[0],
			cfg.DatabaseUser, cfg.DatabasePassword)
		if err != nil {
			return err
		}
		defer mt.Close()

		gen := report.NewGenerator(mt, logger)
		return gen.WriteDaily(context.Background(), report.Criteria{
			Date:          date,
			Region:        reportRegion,
			IncludeVitals: reportIncludeVitals,
		}, args[1])
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportDate, "date", "", "report day (YYYY-MM-DD, default yesterday)")
	reportCmd.Flags().StringVar(&reportRegion, "region", "", "restrict to a reportable region")
	reportCmd.Flags().IntVar(&reportPort, "mart-port", 5432, "mart database port")
	reportCmd.Flags().BoolVar(&reportIncludeVitals, "include-vitals", false, "include vitals (disabled)")
	rootCmd.AddCommand(reportCmd)
}
