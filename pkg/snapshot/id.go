package snapshot

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrInvalidSnapshotID is returned when a snapshot identifier fails validation
	ErrInvalidSnapshotID = errors.New("invalid snapshot identifier")
	// ErrInvalidDistrictID is returned when a district identifier fails validation
	ErrInvalidDistrictID = errors.New("invalid district identifier")
)

var (
	snapshotIDPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	districtIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
)

// Snapshot identifiers double as object key segments, so anything that could
// escape the key prefix is rejected before any network call is made.
var unsafeSequences = []string{
	"../",
	"..\\",
	"%",
	" ",
	" ",
}

// ValidateSnapshotID checks that id is a YYYY-MM-DD string naming a real
// calendar date and contains no path-traversal or encoding tricks.
func ValidateSnapshotID(id string) error {
	for _, seq := range unsafeSequences {
		if strings.Contains(id, seq) {
			return fmt.Errorf("%w: %q contains unsafe sequence", ErrInvalidSnapshotID, id)
		}
	}

	if !snapshotIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q does not match YYYY-MM-DD", ErrInvalidSnapshotID, id)
	}

	// time.Parse normalizes out-of-range components (Feb 30 becomes Mar 1),
	// so round-trip the parse to catch non-existent calendar dates.
	parsed, err := time.Parse("2006-01-02", id)
	if err != nil || parsed.Format("2006-01-02") != id {
		return fmt.Errorf("%w: %q is not a valid calendar date", ErrInvalidSnapshotID, id)
	}

	return nil
}

// ValidateDistrictID checks that id is non-empty and strictly alphanumeric
func ValidateDistrictID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDistrictID)
	}

	if !districtIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must be alphanumeric", ErrInvalidDistrictID, id)
	}

	return nil
}
