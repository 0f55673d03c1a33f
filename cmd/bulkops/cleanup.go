package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	cleanupDays   int
	cleanupDryRun bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs older than the given age",
	Long:  `Delete completed, failed and cancelled jobs together with their items.`,
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 30, "Delete finished jobs created more than this many days ago")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only count the jobs that would be deleted")

	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if cleanupDays < 1 {
		return fmt.Errorf("--days must be at least 1")
	}

	jobs, closeDB, err := openJobRepository()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := context.Background()
	cutoff := time.Now().AddDate(0, 0, -cleanupDays)

	if cleanupDryRun {
		n, err := jobs.CountFinishedBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to count jobs: %w", err)
		}
		fmt.Printf("%d finished jobs created before %s would be deleted\n", n, cutoff.Format(time.RFC3339))
		return nil
	}

	n, err := jobs.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	fmt.Printf("Deleted %d finished jobs created before %s\n", n, cutoff.Format(time.RFC3339))

	return nil
}
