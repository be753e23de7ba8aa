package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/pheme-project/longitudinal/internal/mart"
	"github.com/pheme-project/longitudinal/internal/staticdata"
)

var staticDataPort int

var staticDataCmd = &cobra.Command{
	Use:   "static-data",
	Short: "Export or import the mart's bootstrap rows",
}

var staticDataDumpCmd = &cobra.Command{
	Use:   "dump <data_mart> <file.yaml>",
	Short: "Write facilities, admission sources, dispositions and reportable regions to YAML",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mt, err := mart.Open(cfg.MartHost, staticDataPort, args[0],
			cfg.DatabaseUser, cfg.DatabasePassword)
		if err != nil {
			return err
		}
		defer mt.Close()

		set, err := staticdata.Dump(context.Background(), mt.DB())
		if err != nil {
			return err
		}
		if err := staticdata.WriteFile(args[1], set); err != nil {
			return err
		}
		logger.Info("static data dumped", "file", args[1],
			"facilities", len(set.Facilities), "regions", len(set.ReportableRegions))
		return nil
	},
}

var staticDataLoadCmd = &cobra.Command{
	Use:   "load <data_mart> <file.yaml>",
	Short: "Load a YAML bootstrap file into the mart",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := staticdata.ReadFile(args[1])
		if err != nil {
			return err
		}
		mt, err := mart.Open(cfg.MartHost, staticDataPort, args[0],
			cfg.DatabaseUser, cfg.DatabasePassword)
		if err != nil {
			return err
		}
		defer mt.Close()

		if err := staticdata.Load(context.Background(), mt.DB(), set); err != nil {
			return err
		}
		logger.Info("static data loaded", "file", args[1])
		return nil
	},
}

func init() {
	staticDataCmd.PersistentFlags().IntVar(&staticDataPort, "mart-port", 5432, "mart database port")
	staticDataCmd.AddCommand(staticDataDumpCmd, staticDataLoadCmd)
	rootCmd.AddCommand(staticDataCmd)
}
