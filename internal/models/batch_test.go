package models

import "testing"

func TestProgress(t *testing.T) {
	tests := []struct {
		processed, total, want int
	}{
		{0, 0, 0},
		{0, 10, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1, 200, 1},
		{1, 201, 0},
		{199, 200, 100},
		{3, 3, 100},
		{5, 3, 100},
		{-1, 3, 0},
	}

	for _, tt := range tests {
		if got := Progress(tt.processed, tt.total); got != tt.want {
			t.Errorf("Progress(%d, %d) = %d, want %d", tt.processed, tt.total, got, tt.want)
		}
	}
}

func TestBatchJobRecord(t *testing.T) {
	job := &BatchJob{TotalCount: 4}

	job.Record(ItemStatusCompleted)
	job.Record(ItemStatusFailed)
	job.Record(ItemStatusSkipped)
	job.Record(ItemStatusPending)

	if job.SuccessCount != 1 || job.FailedCount != 1 || job.SkippedCount != 1 {
		t.Errorf("counters = %d/%d/%d, want 1/1/1", job.SuccessCount, job.FailedCount, job.SkippedCount)
	}
	if job.ProcessedCount != 3 {
		t.Errorf("ProcessedCount = %d, want 3", job.ProcessedCount)
	}
	if job.ProgressPercent != 75 {
		t.Errorf("ProgressPercent = %d, want 75", job.ProgressPercent)
	}

	job.Record(ItemStatusCompleted)
	if job.ProgressPercent != 100 {
		t.Errorf("ProgressPercent = %d, want 100", job.ProgressPercent)
	}
}

func TestStatusHelpers(t *testing.T) {
	for _, k := range JobKinds {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if JobKind("export").Valid() {
		t.Error("export should not be a valid kind")
	}

	terminal := map[JobStatus]bool{
		JobStatusPending:    false,
		JobStatusProcessing: false,
		JobStatusCompleted:  true,
		JobStatusFailed:     true,
		JobStatusCancelled:  true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}

	if ItemStatusPending.IsTerminal() || !ItemStatusSkipped.IsTerminal() {
		t.Error("item terminal states are wrong")
	}
}
