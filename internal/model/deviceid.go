package model

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// ValidDeviceID reports whether id matches the fleet device-ID format.
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// GenerateDeviceID produces a `<role>-<disambiguator>` identifier. The
// disambiguator is derived from the hint (hostname, datacenter tag) when one
// is given, otherwise from the local hostname, with a random suffix as the
// final fallback.
func GenerateDeviceID(role, hint string) string {
	switch role {
	case "master", "worker", "standalone":
	default:
		role = "worker"
	}

	suffix := sanitizeIDPart(hint)
	if suffix == "" {
		if host, err := os.Hostname(); err == nil {
			suffix = sanitizeIDPart(host)
		}
	}
	if suffix == "" {
		suffix = uuid.New().String()[:8]
	}

	id := fmt.Sprintf("%s-%s", role, suffix)
	if len(id) > 64 {
		id = id[:64]
		id = strings.TrimRight(id, "-_")
	}
	if !ValidDeviceID(id) {
		// Sanitization can only fail on degenerate input; fall back to a
		// random suffix which always validates.
		id = fmt.Sprintf("%s-%s", role, uuid.New().String()[:8])
	}
	return id
}

func sanitizeIDPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.', r == ' ':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-_")
}
