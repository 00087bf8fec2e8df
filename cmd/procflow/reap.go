package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eleven-am/procflow/internal/adapters/scheduler"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Release instance locks held longer than --max-age",
	Long: `Instance locks never expire on their own. A node that crashed mid-step
leaves its locks behind; reap force-releases every lock older than --max-age
so other nodes can pick the instances up again.`,
	Args: cobra.NoArgs,
	RunE: runReap,
}

var reapMaxAge time.Duration

func init() {
	rootCmd.AddCommand(reapCmd)
	reapCmd.Flags().DurationVar(&reapMaxAge, "max-age", 0, "Lock age to treat as stale (defaults to scheduler.max_lock_age)")
}

func runReap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	maxAge := cfg.Scheduler.MaxLockAge
	if reapMaxAge > 0 {
		maxAge = reapMaxAge
	}
	m, err := openManager(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	released, err := scheduler.NewReaper(m.Locker(), maxAge, cfg.Logger).Reap(cmd.Context(), time.Now().UTC())
	if err != nil {
		return err
	}
	for _, id := range released {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	cfg.Logger.Info("reap finished", "released", len(released), "max_age", maxAge)
	return nil
}
