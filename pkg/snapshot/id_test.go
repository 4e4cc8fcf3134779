package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSnapshotID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{name: "valid date", id: "2024-01-05", wantErr: false},
		{name: "leap day", id: "2024-02-29", wantErr: false},
		{name: "empty", id: "", wantErr: true},
		{name: "wrong shape", id: "20240105", wantErr: true},
		{name: "alphabetic", id: "not-a-date", wantErr: true},
		{name: "month out of range", id: "2024-13-01", wantErr: true},
		{name: "nonexistent calendar date", id: "2023-02-29", wantErr: true},
		{name: "february 30th", id: "2024-02-30", wantErr: true},
		{name: "path traversal", id: "../2024-01-05", wantErr: true},
		{name: "windows path traversal", id: "..\\2024-01-05", wantErr: true},
		{name: "percent encoding", id: "2024-01-05%2f", wantErr: true},
		{name: "trailing slash", id: "2024-01-05/", wantErr: true},
		{name: "unicode line separator", id: "2024-01-05 ", wantErr: true},
		{name: "unicode paragraph separator", id: " 2024-01-05", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSnapshotID(tt.id)

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidSnapshotID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateDistrictID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{name: "numeric", id: "101", wantErr: false},
		{name: "alphanumeric", id: "d42", wantErr: false},
		{name: "mixed case", id: "District9", wantErr: false},
		{name: "empty", id: "", wantErr: true},
		{name: "slash", id: "101/102", wantErr: true},
		{name: "dots", id: "..", wantErr: true},
		{name: "underscore", id: "d_42", wantErr: true},
		{name: "space", id: "10 1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDistrictID(tt.id)

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidDistrictID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
