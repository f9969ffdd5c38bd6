package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/canopyworks/custody/internal/models"
)

// FormatBatchNumber renders <PREFIX>:<dd>:<mm>:<yyyy>:<seq4> for a UTC day.
func FormatBatchNumber(stage models.Stage, day time.Time, seq int) string {
	day = day.UTC()
	return fmt.Sprintf("%s:%02d:%02d:%04d:%04d", stage.Prefix(), day.Day(), int(day.Month()), day.Year(), seq)
}

// BatchNumber is a parsed batch number.
type BatchNumber struct {
	Stage    models.Stage
	Day      time.Time
	Sequence int
}

// ParseBatchNumber parses a batch number produced by FormatBatchNumber.
func ParseBatchNumber(s string) (BatchNumber, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return BatchNumber{}, fmt.Errorf("batch number %q: want 5 fields, got %d", s, len(parts))
	}

	var stage models.Stage
	for _, st := range models.Stages {
		if st.Prefix() == parts[0] {
			stage = st
			break
		}
	}
	if stage == "" {
		return BatchNumber{}, fmt.Errorf("batch number %q: unknown prefix %q", s, parts[0])
	}

	day, err := time.Parse("02:01:2006", strings.Join(parts[1:4], ":"))
	if err != nil {
		return BatchNumber{}, fmt.Errorf("batch number %q: %w", s, err)
	}

	seq, err := strconv.Atoi(parts[4])
	if err != nil || seq <= 0 {
		return BatchNumber{}, fmt.Errorf("batch number %q: invalid sequence %q", s, parts[4])
	}

	return BatchNumber{Stage: stage, Day: day, Sequence: seq}, nil
}
