// Package phone normalizes Ethiopian phone numbers to E.164.
package phone

import (
	"regexp"
	"strings"
)

var (
	ethiopian = regexp.MustCompile(`^\+251(9\d{8}|[1-8]\d{7,8})$`)
	noise     = regexp.MustCompile(`[^\d+]`)
)

// Normalize returns the +251 form of raw, or "" when raw is not a plausible Ethiopian number.
// Local numbers with a leading 0 and bare 251 prefixes are accepted.
func Normalize(raw string) string {
	p := noise.ReplaceAllString(strings.TrimSpace(raw), "")
	if p == "" {
		return ""
	}

	switch {
	case strings.HasPrefix(p, "0"):
		p = "+251" + strings.TrimLeft(p, "0")
	case strings.HasPrefix(p, "251"):
		p = "+" + p
	}

	if ethiopian.MatchString(p) {
		return p
	}
	return ""
}
