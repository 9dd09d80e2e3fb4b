// Package parser turns parkrun results pages into result rows.
package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-parkrun-results/models"
)

// DateLayout is the DD/MM/YYYY form used by the site and the store.
const DateLayout = "02/01/2006"

// ValidateResult ensures a row carries the fields the store relies on.
func ValidateResult(r *models.Result) error {
	if r == nil {
		return fmt.Errorf("result is nil")
	}
	if strings.TrimSpace(r.Event) == "" {
		return fmt.Errorf("result missing event")
	}
	if r.RunDate.IsZero() {
		return fmt.Errorf("result missing run date for %s", r.Event)
	}
	if r.Time <= 0 {
		return fmt.Errorf("result missing time for %s on %s", r.Event, r.RunDate.Format(DateLayout))
	}
	if r.Position < 1 {
		return fmt.Errorf("result position %d out of range for %s on %s", r.Position, r.Event, r.RunDate.Format(DateLayout))
	}
	return nil
}

// ParseElapsed converts "MM:SS" or "HH:MM:SS" to a duration. A third group
// of "00" is the upstream habit of appending redundant seconds, so
// "24:02:00" is 24m02s, not 24h02m.
func ParseElapsed(text string) (time.Duration, error) {
	text = strings.TrimSpace(text)
	parts := strings.Split(text, ":")

	var h, m, s int
	var err error
	switch {
	case len(parts) == 2:
		m, s, err = minutesSeconds(parts[0], parts[1])
	case len(parts) == 3 && parts[2] == "00":
		m, s, err = minutesSeconds(parts[0], parts[1])
	case len(parts) == 3:
		h, err = strconv.Atoi(strings.TrimSpace(parts[0]))
		if err == nil && h < 0 {
			err = fmt.Errorf("negative hours")
		}
		if err == nil {
			m, s, err = minutesSeconds(parts[1], parts[2])
		}
		if err == nil && m >= 60 {
			err = fmt.Errorf("minutes out of range")
		}
	default:
		return 0, fmt.Errorf("invalid time %q", text)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", text, err)
	}

	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, nil
}

func minutesSeconds(minText, secText string) (int, int, error) {
	m, err := strconv.Atoi(strings.TrimSpace(minText))
	if err != nil {
		return 0, 0, err
	}
	s, err := strconv.Atoi(strings.TrimSpace(secText))
	if err != nil {
		return 0, 0, err
	}
	if m < 0 || s < 0 || s >= 60 {
		return 0, 0, fmt.Errorf("minutes or seconds out of range")
	}
	return m, s, nil
}

// FormatElapsed renders a duration as M:SS with minutes unbounded.
func FormatElapsed(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// ParseRunDate parses a DD/MM/YYYY date (single-digit parts allowed) as a UTC day.
func ParseRunDate(text string) (time.Time, error) {
	t, err := time.Parse("2/1/2006", strings.TrimSpace(text))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid run date %q: %w", text, err)
	}
	return t, nil
}

// ParseAgeGrade reads "65.43%" as 65.43. Blank cells are zero.
func ParseAgeGrade(text string) (float64, error) {
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "%"))
	if text == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid age grade %q: %w", text, err)
	}
	return v, nil
}

// FormatAgeGrade renders an age grade as "65.43%", or "" for zero.
func FormatAgeGrade(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 2, 64) + "%"
}

// ParseInt reads an integer cell, tolerating thousands separators.
func ParseInt(text string) (int, error) {
	text = strings.ReplaceAll(strings.TrimSpace(text), ",", "")
	if text == "" {
		return 0, fmt.Errorf("empty number")
	}
	return strconv.Atoi(text)
}

// IsPB reports whether a PB cell is marked.
func IsPB(text string) bool {
	return strings.TrimSpace(text) != ""
}
