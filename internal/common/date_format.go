package common

import (
	"fmt"
	"strings"
	"time"
)

// Standard date format constants
const (
	// ISO8601Date is used for engine requests and file naming
	ISO8601Date = "2006-01-02"

	// SpecDate is the day-first format of session spec alias strings
	SpecDate = "02/01/2006"

	// specDateLoose accepts single-digit days and months on input
	specDateLoose = "2/1/2006"

	// DisplayDate is the human-readable format used for UI display
	DisplayDate = "Jan 02, 2006"
)

// ParseISO8601 parses a date string in ISO 8601 format (YYYY-MM-DD)
func ParseISO8601(dateStr string) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("date string is empty")
	}
	return time.Parse(ISO8601Date, dateStr)
}

// FormatISO8601 formats a time.Time to ISO 8601 date string (YYYY-MM-DD)
func FormatISO8601(t time.Time) string {
	return t.Format(ISO8601Date)
}

// ParseSpecDate parses DD/MM/YYYY.
func ParseSpecDate(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("date string is empty")
	}
	if t, err := time.Parse(SpecDate, dateStr); err == nil {
		return t, nil
	}
	t, err := time.Parse(specDateLoose, dateStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected DD/MM/YYYY", dateStr)
	}
	return t, nil
}

// FormatSpecDate formats a time.Time as DD/MM/YYYY. The zero time formats
// as an empty string.
func FormatSpecDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(SpecDate)
}

// ParseAnyDate accepts either ISO 8601 or DD/MM/YYYY, as typed by users.
func ParseAnyDate(dateStr string) (time.Time, error) {
	if t, err := ParseISO8601(strings.TrimSpace(dateStr)); err == nil {
		return t, nil
	}
	return ParseSpecDate(dateStr)
}

// FormatDisplay formats a time.Time to display format (Jan 02, 2006)
func FormatDisplay(t time.Time) string {
	return t.Format(DisplayDate)
}
