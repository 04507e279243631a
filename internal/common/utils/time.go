package utils

import (
	"fmt"
	"time"
)

// ParseDuration parses a duration string, extending the standard Go syntax
// with days ("d") and weeks ("w"). Used for TTL values in configuration,
// where cache lifetimes measured in days are common.
//
//	ParseDuration("1d")    // 24 hours
//	ParseDuration("2w")    // 336 hours
//	ParseDuration("1h30m") // standard Go format
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	var days int
	if n, err := fmt.Sscanf(s, "%dd", &days); err == nil && n == 1 {
		return time.Duration(days) * 24 * time.Hour, nil
	}

	var weeks int
	if n, err := fmt.Sscanf(s, "%dw", &weeks); err == nil && n == 1 {
		return time.Duration(weeks) * 7 * 24 * time.Hour, nil
	}

	return 0, fmt.Errorf("invalid duration: %s", s)
}

// FormatDuration formats a duration with the most appropriate unit:
// seconds under a minute, minutes under an hour, hours under a day,
// days otherwise.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	return fmt.Sprintf("%.1fd", d.Hours()/24)
}
