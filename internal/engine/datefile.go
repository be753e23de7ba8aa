package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// The date file lets cron walk a backlog one day per invocation: each
// successful dated run advances the stored date in the chosen direction.
const dateFileName = "longitudinal_datefile"

const dateLayout = "2006-01-02"

// Countdown directions.
const (
	CountdownForwards  = "forwards"
	CountdownBackwards = "backwards"
)

// ValidCountdown reports whether s names a countdown direction.
func ValidCountdown(s string) bool {
	return s == CountdownForwards || s == CountdownBackwards
}

// ReadDateFile returns the date stored under dir.
func ReadDateFile(dir string) (time.Time, error) {
	path := filepath.Join(dir, dateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("read date file %s: %w", path, err)
	}
	date, err := time.Parse(dateLayout, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("date file %s: %w", path, err)
	}
	return date, nil
}

// WriteDateFile stores the date under dir.
func WriteDateFile(dir string, date time.Time) error {
	path := filepath.Join(dir, dateFileName)
	content := date.Format(dateLayout) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write date file %s: %w", path, err)
	}
	return nil
}

// AdvanceDateFile moves the stored date one day in the given direction.
func AdvanceDateFile(dir string, direction string, date time.Time) (time.Time, error) {
	var next time.Time
	switch direction {
	case CountdownForwards:
		next = date.AddDate(0, 0, 1)
	case CountdownBackwards:
		next = date.AddDate(0, 0, -1)
	default:
		return time.Time{}, fmt.Errorf("countdown direction %q is not %s or %s",
			direction, CountdownForwards, CountdownBackwards)
	}
	if err := WriteDateFile(dir, next); err != nil {
		return time.Time{}, err
	}
	return next, nil
}
