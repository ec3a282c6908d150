// Package stringutil provides shared string and time formatting helpers.
package stringutil

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FormatTime returns the RFC3339 rendering of t, or "-" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// ParseTime parses an RFC3339 timestamp. Empty and "-" parse to the zero
// time.
func ParseTime(val string) (time.Time, error) {
	if val == "" || val == "-" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(time.RFC3339, val, time.Local)
}

// TruncString truncates val to at most max bytes, appending "..." when
// anything was cut.
func TruncString(val string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(val) <= max {
		return val
	}
	return val[:max] + "..."
}

// https://github.com/sindresorhus/filename-reserved-regex/blob/master/index.js
var (
	filenameReservedRegex = regexp.MustCompile(
		`[<>:"/\\|?*\x00-\x1F]`,
	)
	filenameReservedWindowsNamesRegex = regexp.MustCompile(
		`(?i)^(con|prn|aux|nul|com[0-9]|lpt[0-9])$`,
	)
)

// SafeName turns an arbitrary identifier into a filesystem-safe path
// segment by replacing reserved characters and spaces with underscores.
func SafeName(str string) string {
	s := filenameReservedRegex.ReplaceAllString(str, "_")
	s = filenameReservedWindowsNamesRegex.ReplaceAllString(s, "_")
	return strings.ReplaceAll(s, " ", "_")
}

// FormatDuration renders d for human-facing output: milliseconds under a
// second, seconds under a minute, otherwise minutes and seconds.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0ms"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		m := int(d.Minutes())
		s := int(d.Seconds()) - m*60
		return fmt.Sprintf("%dm%ds", m, s)
	}
}
