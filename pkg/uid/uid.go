// Package uid generates and validates the opaque external identifiers used
// for progress bars, steps and traces. An external id is a short type prefix
// followed by 128 random bits rendered url-safe, e.g. ep_pbt_9hQzW1qYQkS2mXfJ3vTl0g.
package uid

import (
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// Well-known prefixes.
const (
	PrefixProgressBar = "ep_pb"
	PrefixStep        = "ep_pbs"
	PrefixTrace       = "ep_pbt"
	PrefixTraceStep   = "ep_pbts"
	PrefixUserToken   = "ep_ut"
)

// New returns a fresh external id with the given prefix.
func New(prefix string) string {
	u := uuid.New()
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(u[:])
}

// IsSafe reports whether s is usable as an external id supplied by a
// client: non-empty, bounded, and restricted to url-safe characters.
func IsSafe(s string) bool {
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// HasPrefix reports whether id carries the given type prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
