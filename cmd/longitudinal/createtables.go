package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/pheme-project/longitudinal/internal/mart"
)

var createTablesPort int

var createTablesCmd = &cobra.Command{
	Use:   "create-tables <data_mart>",
	Short: "Create the mart star schema and the essence view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mt, err := mart.Open(cfg.MartHost, createTablesPort, args[0],
			cfg.DatabaseUser, cfg.DatabasePassword)
		if err != nil {
			return err
		}
		defer mt.Close()
		if err := mart.CreateTables(context.Background(), mt.DB()); err != nil {
			return err
		}
		logger.Info("mart schema created", "database", args[0])
		return nil
	},
}

func init() {
	createTablesCmd.Flags().IntVar(&createTablesPort, "mart-port", 5432, "mart database port")
	rootCmd.AddCommand(createTablesCmd)
}
