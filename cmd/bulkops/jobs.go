package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/bulkops/internal/models"
	"github.com/foxzi/bulkops/internal/repository"
)

var (
	jobsListKind   string
	jobsListStatus string
	jobsListLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Batch job commands",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batch jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show job details with failed and skipped items",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE:  runJobsStats,
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsListKind, "kind", "", "Filter by kind (import, send, tag, delete)")
	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "Filter by status (pending, processing, completed, failed, cancelled)")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 50, "Maximum number of jobs to show")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsStatsCmd)
	rootCmd.AddCommand(jobsCmd)
}

func openJobRepository() (*repository.JobRepository, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}

	return repository.NewJobRepository(database.DB), func() { database.Close() }, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	filter := models.JobListFilter{
		Kind:   models.JobKind(jobsListKind),
		Status: models.JobStatus(jobsListStatus),
		Limit:  jobsListLimit,
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return fmt.Errorf("unknown job kind: %s", jobsListKind)
	}

	jobs, closeDB, err := openJobRepository()
	if err != nil {
		return err
	}
	defer closeDB()

	list, total, err := jobs.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPROGRESS\tOK/FAILED/SKIPPED\tCREATED\tTITLE")
	fmt.Fprintln(w, "--\t----\t------\t--------\t-----------------\t-------\t-----")

	for _, job := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d (%d%%)\t%d/%d/%d\t%s\t%s\n",
			truncateID(job.ID),
			job.Kind,
			job.Status,
			job.ProcessedCount, job.TotalCount, job.ProgressPercent,
			job.SuccessCount, job.FailedCount, job.SkippedCount,
			job.CreatedAt.Local().Format("2006-01-02 15:04"),
			truncate(job.Title, 40),
		)
	}

	w.Flush()
	fmt.Printf("\nShowing %d of %d jobs\n", len(list), total)

	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	jobs, closeDB, err := openJobRepository()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := context.Background()
	id := args[0]

	job, err := jobs.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", id)
	}

	printJob(job)

	problems, total, err := jobs.ListItems(ctx, models.JobItemFilter{
		JobID:    job.ID,
		Statuses: []models.ItemStatus{models.ItemStatusFailed, models.ItemStatusSkipped},
		Limit:    100,
	})
	if err != nil {
		return fmt.Errorf("failed to list job items: %w", err)
	}
	if total == 0 {
		return nil
	}

	fmt.Printf("\nProblem items (%d):\n", total)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tSTATUS\tERROR")
	for _, item := range problems {
		fmt.Fprintf(w, "%d\t%s\t%s\n", item.ItemIndex, item.Status, item.ErrorMessage)
	}
	w.Flush()
	if total > len(problems) {
		fmt.Printf("... and %d more\n", total-len(problems))
	}

	return nil
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	jobs, closeDB, err := openJobRepository()
	if err != nil {
		return err
	}
	defer closeDB()

	counts, err := jobs.CountByStatus(context.Background())
	if err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}

	fmt.Println("Job Statistics")
	fmt.Println("==============")
	total := 0
	for _, status := range []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusProcessing,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	} {
		n := counts[string(status)]
		total += n
		fmt.Printf("%-12s %d\n", string(status)+":", n)
	}
	fmt.Printf("%-12s %d\n", "Total:", total)

	return nil
}

func printJob(job *models.BatchJob) {
	fmt.Printf("Job: %s\n\n", job.ID)
	fmt.Printf("Kind:      %s\n", job.Kind)
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Title:     %s\n", job.Title)
	if job.Description != "" {
		fmt.Printf("Notes:     %s\n", job.Description)
	}
	fmt.Printf("Progress:  %d/%d (%d%%)\n", job.ProcessedCount, job.TotalCount, job.ProgressPercent)
	fmt.Printf("Succeeded: %d\n", job.SuccessCount)
	fmt.Printf("Failed:    %d\n", job.FailedCount)
	fmt.Printf("Skipped:   %d\n", job.SkippedCount)
	fmt.Printf("Created:   %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.ScheduledAt != nil {
		fmt.Printf("Scheduled: %s\n", job.ScheduledAt.Format(time.RFC3339))
	}
	if job.StartedAt != nil {
		fmt.Printf("Started:   %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Finished:  %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.ResultSummary != "" {
		fmt.Printf("\nSummary:\n  %s\n", job.ResultSummary)
	}
	if job.ErrorMessage != "" {
		fmt.Printf("\nError:\n  %s\n", job.ErrorMessage)
	}
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
