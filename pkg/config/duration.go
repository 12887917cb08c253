package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var durationRegex = regexp.MustCompile(`(\d*\.\d+|\d+)[^\d]*`)

// day-based units on top of the ones accepted by time.ParseDuration, in hours
var durationUnits = []struct {
	unit  string
	hours int
}{
	{"d", 24},
	{"D", 24},
	{"w", 7 * 24},
	{"W", 7 * 24},
	{"M", 30 * 24},
	{"y", 365 * 24},
	{"Y", 365 * 24},
}

// ParseDuration parses a duration string.
// examples: "10d", "-1.5w" or "3Y4M5d".
// On top of time.ParseDuration units, the accepted units are "d"="D", "w"="W", "M", "y"="Y".
func ParseDuration(s string) (time.Duration, error) {
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}

	parts := durationRegex.FindAllString(s, -1)
	if len(parts) == 0 || strings.Join(parts, "") != s {
		return 0, fmt.Errorf("invalid duration string: %s", s)
	}

	var sum time.Duration
	for _, part := range parts {
		hours := 1
		for _, u := range durationUnits {
			if strings.HasSuffix(part, u.unit) {
				part = strings.TrimSuffix(part, u.unit) + "h"
				hours = u.hours
				break
			}
		}

		dur, err := time.ParseDuration(part)
		if err != nil {
			return 0, err
		}
		sum += dur * time.Duration(hours)
	}

	if neg {
		sum = -sum
	}
	return sum, nil
}
