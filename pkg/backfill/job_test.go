package backfill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusRecovering, false},
		{StatusCompleted, true},
		{StatusPartialSuccess, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestDateRangeValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       DateRange
		wantErr bool
	}{
		{name: "valid single day", r: DateRange{From: "2024-01-05", To: "2024-01-05"}},
		{name: "valid range", r: DateRange{From: "2024-01-01", To: "2024-01-31"}},
		{name: "reversed", r: DateRange{From: "2024-01-31", To: "2024-01-01"}, wantErr: true},
		{name: "malformed from", r: DateRange{From: "jan 1", To: "2024-01-31"}, wantErr: true},
		{name: "malformed to", r: DateRange{From: "2024-01-01", To: "2024-13-01"}, wantErr: true},
		{name: "empty", r: DateRange{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidDateRange)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDateRangeDates(t *testing.T) {
	t.Run("single day", func(t *testing.T) {
		r := DateRange{From: "2024-01-05", To: "2024-01-05"}
		assert.Equal(t, []string{"2024-01-05"}, r.Dates())
	})

	t.Run("ascending span across month boundary", func(t *testing.T) {
		r := DateRange{From: "2024-01-30", To: "2024-02-02"}
		assert.Equal(t, []string{"2024-01-30", "2024-01-31", "2024-02-01", "2024-02-02"}, r.Dates())
	})
}

func TestJobClone(t *testing.T) {
	job := &Job{
		ID:        "job-1",
		Range:     DateRange{From: "2024-01-01", To: "2024-01-03"},
		Districts: []string{"101", "205"},
		Status:    StatusProcessing,
		Progress: map[string]*DistrictProgress{
			"101": {Status: DistrictProcessing, ProcessedDates: []string{"2024-01-01"}},
		},
	}

	clone := job.Clone()

	// Mutating the clone must not leak into the original
	clone.Districts[0] = "999"
	clone.Progress["101"].ProcessedDates[0] = "1999-01-01"
	clone.Progress["101"].Status = DistrictFailed

	assert.Equal(t, "101", job.Districts[0])
	assert.Equal(t, "2024-01-01", job.Progress["101"].ProcessedDates[0])
	assert.Equal(t, DistrictProcessing, job.Progress["101"].Status)
}
