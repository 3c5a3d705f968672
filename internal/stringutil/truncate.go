// Package stringutil holds small helpers for formatting command output.
package stringutil

import "strings"

// TruncateOutput returns out as a string, cut to maxLen bytes with a marker
// appended when anything was dropped.
func TruncateOutput(out []byte, maxLen int) string {
	if maxLen < 0 {
		maxLen = 0
	}
	if len(out) <= maxLen {
		return string(out)
	}
	return string(out[:maxLen]) + "... (truncated)"
}

// LastLines returns at most n trailing non-empty lines of out, joined with
// " | ". fsck tools print their verdict last.
func LastLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	var kept []string
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			kept = append([]string{l}, kept...)
		}
	}
	return strings.Join(kept, " | ")
}
