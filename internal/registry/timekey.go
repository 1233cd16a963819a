package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTimeKey normalizes a 24-hour "H:MM"/"HH:MM" clock to "HH:MM".
func ParseTimeKey(s string) (string, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) == 0 || len(h) > 2 || len(m) != 2 || !digits(h) || !digits(m) {
		return "", fmt.Errorf("invalid time key %q", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid hour in time key %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid minute in time key %q", s)
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), nil
}

// ValidTimeKey reports whether s is already in canonical "HH:MM" form.
func ValidTimeKey(s string) bool {
	k, err := ParseTimeKey(s)
	return err == nil && k == s
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
