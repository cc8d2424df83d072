package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings (remote hosts, browser paths, error text relayed from the tunnel)
// so they cannot inject fake log entries.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
