package core

import (
	"regexp"
	"strings"
)

var (
	// Matches typical file paths (unix or windows) and "file.go:123" stack
	// frame fragments.
	filePathPattern = regexp.MustCompile(`(?:[A-Za-z]:\\|/)[\w./\\-]+\.(?:go|js|ts):\d+|(?:/[\w.-]+){2,}`)
	// Matches common secret-shaped tokens: bearer tokens, basic-auth userinfo,
	// key=value pairs named like secrets.
	secretPattern = regexp.MustCompile(`(?i)(bearer|basic|apikey|api[_-]?key|token|password|secret)\s*[:=]\s*\S+`)
)

// stripFilePathsAndStacks removes path-shaped and secret-shaped substrings
// from a message destined for a trust boundary.
func stripFilePathsAndStacks(msg string) string {
	msg = filePathPattern.ReplaceAllString(msg, "[redacted-path]")
	msg = secretPattern.ReplaceAllString(msg, "[redacted]")
	return strings.TrimSpace(msg)
}
