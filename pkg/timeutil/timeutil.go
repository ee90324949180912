// Package timeutil provides time helpers for the xAPI wire format.
// Statement timestamps are UTC RFC 3339 and result durations are ISO 8601
// duration strings, both mandated by the protocol regardless of the host's
// locale. No external dependencies - uses only standard library.
package timeutil

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Timestamp formats a time as the UTC RFC 3339 string the LRS expects.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Now returns the current UTC time.
func Now() time.Time {
	return time.Now().UTC()
}

// ISO8601Duration renders a duration as an ISO 8601 duration string,
// e.g. 90s -> "PT1M30S", 3661s -> "PT1H1M1S".
// Negative durations are treated as zero; sub-second precision is kept
// to two decimal places as recommended for xAPI results.
func ISO8601Duration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	totalSeconds := d.Seconds()
	hours := int(totalSeconds) / 3600
	minutes := (int(totalSeconds) % 3600) / 60
	seconds := totalSeconds - float64(hours*3600) - float64(minutes*60)

	var b strings.Builder
	b.WriteString("PT")
	if hours > 0 {
		fmt.Fprintf(&b, "%dH", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dM", minutes)
	}
	if seconds > 0 || (hours == 0 && minutes == 0) {
		if seconds == math.Trunc(seconds) {
			fmt.Fprintf(&b, "%dS", int(seconds))
		} else {
			fmt.Fprintf(&b, "%sS", strconv.FormatFloat(seconds, 'f', 2, 64))
		}
	}
	return b.String()
}

// ParseISO8601Duration parses the subset of ISO 8601 durations this engine
// emits (PTnHnMnS). It exists so tests and replay tooling can round-trip
// durations; calendar components (years, months, days) are not supported.
func ParseISO8601Duration(s string) (time.Duration, error) {
	if !strings.HasPrefix(s, "PT") || len(s) == 2 {
		return 0, fmt.Errorf("timeutil: invalid duration %q", s)
	}

	var total time.Duration
	num := ""
	for _, r := range s[2:] {
		switch {
		case (r >= '0' && r <= '9') || r == '.':
			num += string(r)
		case r == 'H' || r == 'M' || r == 'S':
			if num == "" {
				return 0, fmt.Errorf("timeutil: invalid duration %q", s)
			}
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("timeutil: invalid duration %q: %w", s, err)
			}
			switch r {
			case 'H':
				total += time.Duration(v * float64(time.Hour))
			case 'M':
				total += time.Duration(v * float64(time.Minute))
			case 'S':
				total += time.Duration(v * float64(time.Second))
			}
			num = ""
		default:
			return 0, fmt.Errorf("timeutil: invalid duration %q", s)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("timeutil: invalid duration %q", s)
	}
	return total, nil
}

// Since is a convenience wrapper measuring elapsed time from a start point,
// already rendered for an xAPI result.
func Since(start time.Time) string {
	return ISO8601Duration(time.Since(start))
}
