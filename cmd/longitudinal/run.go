package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/pheme-project/longitudinal/internal/engine"
	"github.com/pheme-project/longitudinal/internal/lockfile"
	"github.com/pheme-project/longitudinal/internal/mart"
	"github.com/pheme-project/longitudinal/internal/warehouse"
)

const managerLockName = "LONGITUDINAL_MANAGER"

var (
	runDate       string
	runCountdown  string
	runSkipPrep   bool
	warehousePort int
	martPort      int
	runWorkers    int
)

var runCmd = &cobra.Command{
	Use:   "run <data_warehouse> <data_mart>",
	Short: "Run one deduplication pass",
	Args:  cobra.ExactArgs(2),
	RunE:  runManager,
}

func init() {
	runCmd.Flags().StringVar(&runDate, "date", "", "process only visits admitted on this day (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runCountdown, "countdown", "", "take the date from the date file and advance it forwards or backwards after a clean run")
	runCmd.Flags().BoolVar(&runSkipPrep, "skip-prep", false, "skip the bookkeeping backfill")
	runCmd.Flags().IntVar(&warehousePort, "warehouse-port", 5432, "warehouse database port")
	runCmd.Flags().IntVar(&martPort, "mart-port", 5432, "mart database port")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "visit worker count (0 means config value)")
	rootCmd.AddCommand(runCmd)
}

func runManager(cmd *cobra.Command, args []string) error {
	if runDate != "" && runCountdown != "" {
		return fmt.Errorf("--date and --countdown are mutually exclusive")
	}

	var date *time.Time
	if runDate != "" {
		parsed, err := time.Parse("2006-01-02", runDate)
		if err != nil {
			return fmt.Errorf("--date %q: %w", runDate, err)
		}
		date = &parsed
	}
	if runCountdown != "" {
		if !engine.ValidCountdown(runCountdown) {
			return fmt.Errorf("--countdown must be forwards or backwards")
		}
		stored, err := engine.ReadDateFile(cfg.TmpDir)
		if err != nil {
			return err
		}
		date = &stored
	}

	lock, err := lockfile.Acquire(cfg.TmpDir, managerLockName)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wh, mt, err := openStores(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	defer wh.Close()
	defer mt.Close()

	workers := runWorkers
	if workers == 0 {
		workers = cfg.Workers
	}
	// One connection per worker keeps DB load predictable.
	wh.SetMaxOpenConns(workers)
	mt.SetMaxOpenConns(workers + 1)

	manager := engine.NewManager(wh, mt, workers, cfg.InProduction, logger)
	if err := manager.Run(ctx, date, runSkipPrep); err != nil {
		return err
	}

	if runCountdown != "" {
		next, err := engine.AdvanceDateFile(cfg.TmpDir, runCountdown, *date)
		if err != nil {
			return err
		}
		logger.Info("date file advanced", "next", next.Format("2006-01-02"))
	}
	return nil
}

// openStores connects to both databases, retrying briefly; the pipeline runs
// from cron and a database restart should not burn a whole slot.
func openStores(ctx context.Context, warehouseName, martName string) (*warehouse.Store, *mart.Store, error) {
	var wh *warehouse.Store
	var mt *mart.Store
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	err := backoff.Retry(func() error {
		var err error
		if wh == nil {
			wh, err = warehouse.Open(cfg.WarehouseHost, warehousePort, warehouseName,
				cfg.DatabaseUser, cfg.DatabasePassword)
			if err != nil {
				return err
			}
		}
		mt, err = mart.Open(cfg.MartHost, martPort, martName,
			cfg.DatabaseUser, cfg.DatabasePassword)
		return err
	}, policy)
	if err != nil {
		if wh != nil {
			wh.Close()
		}
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return wh, mt, nil
}
