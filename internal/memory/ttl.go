package memory

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ttlRegex = regexp.MustCompile(`^(\d+)([dhms])$`)

// ParseTTL turns an RFC3339 timestamp or a relative duration such as "7d",
// "24h", "30m" or "60s" into an absolute expiry. Anything else yields nil,
// meaning the record never expires.
func ParseTTL(s string, now time.Time) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t = t.UTC()
		return &t
	}

	m := ttlRegex.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	var unit time.Duration
	switch m[2] {
	case "d":
		unit = 24 * time.Hour
	case "h":
		unit = time.Hour
	case "m":
		unit = time.Minute
	case "s":
		unit = time.Second
	}
	t := now.UTC().Add(time.Duration(n) * unit)
	return &t
}
