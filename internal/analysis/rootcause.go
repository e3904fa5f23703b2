package analysis

import (
	"regexp"
	"strings"
)

const (
	maxCauseLines = 8
	maxCauseLen   = 1200
)

var failureLineRe = regexp.MustCompile(`(?i)(^--- FAIL|^FAIL\b|^panic:|\berror\b|^\S+\.\w+:\d+(:\d+)?:|\bundefined:|assertion|expected .* (got|but)|^\s*✗|traceback|exception)`)

// RootCause condenses verification output into a short summary handed to
// agents on retry: the first lines that look like failures, or the tail of
// the output when nothing matches.
func RootCause(output string) string {
	var all []string
	for _, l := range strings.Split(output, "\n") {
		if l = strings.TrimRight(l, " \t\r"); strings.TrimSpace(l) != "" {
			all = append(all, l)
		}
	}
	if len(all) == 0 {
		return "verification failed with no output"
	}

	var picked []string
	seen := make(map[string]bool)
	for _, l := range all {
		if !failureLineRe.MatchString(l) || seen[l] {
			continue
		}
		seen[l] = true
		picked = append(picked, strings.TrimSpace(l))
		if len(picked) == maxCauseLines {
			break
		}
	}
	if len(picked) == 0 {
		start := max(0, len(all)-maxCauseLines)
		for _, l := range all[start:] {
			picked = append(picked, strings.TrimSpace(l))
		}
	}

	summary := "verification failed: " + strings.Join(picked, " | ")
	if len(summary) > maxCauseLen {
		summary = summary[:maxCauseLen] + "..."
	}
	return summary
}
