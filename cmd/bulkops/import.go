package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/bulkops/internal/app"
	"github.com/foxzi/bulkops/internal/batch"
	"github.com/foxzi/bulkops/internal/models"
	"github.com/foxzi/bulkops/internal/repository"
)

var (
	importTags           []string
	importSource         string
	importSkipDuplicates bool
	importTitle          string
)

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import contacts from a CSV file",
	Long: `Import contacts from a CSV file with a header row.

Recognised columns: phone (required), name, email, tags, source, consent.
Multiple tags in one cell are separated by ";".`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringSliceVar(&importTags, "tags", nil, "Tags added to every imported contact")
	importCmd.Flags().StringVar(&importSource, "source", "", "Source recorded on contacts without one")
	importCmd.Flags().BoolVar(&importSkipDuplicates, "skip-duplicates", false, "Skip rows whose phone already exists instead of updating")
	importCmd.Flags().StringVar(&importTitle, "title", "", "Job title")

	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	rows, err := readContactsCSV(f)
	f.Close()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no contacts found in %s", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	logger := app.NewLogger(cfg.Logging, os.Stderr)
	jobs := repository.NewJobRepository(database.DB)
	manager := batch.NewManager(jobs,
		[]batch.Processor{batch.NewImportProcessor(repository.NewContactRepository(database.DB))},
		batch.Config{PageSize: cfg.Batch.PageSize, SchedulePollInterval: time.Hour},
		logger,
	)
	defer manager.Stop()

	configuration, err := json.Marshal(batch.ImportConfig{
		Contacts:       rows,
		Tags:           importTags,
		Source:         importSource,
		SkipDuplicates: importSkipDuplicates,
	})
	if err != nil {
		return fmt.Errorf("failed to encode import: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	job, err := manager.Submit(ctx, batch.SubmitRequest{
		Kind:          models.JobKindImport,
		Title:         importTitle,
		Configuration: configuration,
	})
	if err != nil {
		var verr *batch.ValidationError
		if errors.As(err, &verr) {
			for field, msg := range verr.Fields {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", field, msg)
			}
		}
		return fmt.Errorf("import rejected: %w", err)
	}

	id := job.ID
	fmt.Printf("Job %s: importing %d contacts\n", id, job.TotalCount)

	last := -1
	job, err = manager.Wait(ctx, id, time.Second, func(j *models.BatchJob) {
		if j.ProcessedCount != last {
			last = j.ProcessedCount
			fmt.Printf("  %d/%d (%d%%)\n", j.ProcessedCount, j.TotalCount, j.ProgressPercent)
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println(interruptedMessage(id, cfg.Batch.Resume()))
			return nil
		}
		return fmt.Errorf("failed to wait for job: %w", err)
	}

	printJob(job)
	if job.Status != models.JobStatusCompleted {
		return fmt.Errorf("job finished with status %s", job.Status)
	}
	return nil
}

// readContactsCSV reads import rows from CSV with a header row. Column order
// is free; unknown columns are ignored.
func readContactsCSV(r io.Reader) ([]batch.ImportContact, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	if _, ok := columns["phone"]; !ok {
		return nil, fmt.Errorf("missing phone column")
	}

	cell := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []batch.ImportContact
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}

		row := batch.ImportContact{
			Phone:  cell(record, "phone"),
			Name:   cell(record, "name"),
			Email:  cell(record, "email"),
			Source: cell(record, "source"),
		}
		if row.Phone == "" && row.Name == "" && row.Email == "" {
			continue
		}
		for _, tag := range strings.Split(cell(record, "tags"), ";") {
			if tag = strings.TrimSpace(tag); tag != "" {
				row.Tags = append(row.Tags, tag)
			}
		}
		if v := cell(record, "consent"); v != "" {
			consent, err := strconv.ParseBool(v)
			if err != nil {
				line, _ := reader.FieldPos(0)
				return nil, fmt.Errorf("line %d: invalid consent value %q", line, v)
			}
			row.Consent = &consent
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// interruptedMessage tells what happens to a job left processing by an
// interrupted import. A serve that is already running does not pick it up.
func interruptedMessage(id string, resumeOnStart bool) string {
	if resumeOnStart {
		return fmt.Sprintf("Interrupted; job %s stays processing until serve is next started, which resumes it", id)
	}
	return fmt.Sprintf("Interrupted; job %s stays processing and will not resume (batch.resume_on_start is off)", id)
}
