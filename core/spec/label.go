package spec

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var labelPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-\d{6}-[0-9a-f]{8}$`)

// NewRunLabel returns "YYYY-MM-DD-HHMMSS-xxxxxxxx". The random suffix keeps labels
// unique for runs started in the same second.
func NewRunLabel(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s", now.Format("2006-01-02-150405"), suffix)
}

// NewRunID returns a unique identifier for one orchestrator invocation
func NewRunID() string {
	return uuid.NewString()
}

// ValidRunLabel reports whether label has the run label shape
func ValidRunLabel(label string) bool {
	return labelPattern.MatchString(label)
}

// LabelDate returns the date component (YYYY-MM-DD) of a generated run label.
// Custom labels carry no date, so the run's start date is used.
func LabelDate(label string, started time.Time) string {
	if ValidRunLabel(label) {
		return label[:10]
	}
	return started.Format("2006-01-02")
}
