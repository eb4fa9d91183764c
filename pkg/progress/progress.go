// Package progress extracts self-reported progress from external test script
// output.
//
// The only structurally meaningful line formats are:
//
//	progress[:\s]+(\d+)\s*%    (case-insensitive)
//	LOG_FILE=<path>
//
// Everything else is opaque text. Parsing is a pure function with no state so
// it is unit-testable without spawning processes, and it never rejects input:
// scripts are untrusted and must not be able to crash the supervisor.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	progressPattern = regexp.MustCompile(`(?i)progress[:\s]+\s*(\d+)\s*%`)
	logFilePattern  = regexp.MustCompile(`LOG_FILE=(.+)`)
)

// Result is a successfully extracted progress value.
type Result struct {
	// Percent is the extracted percentage, clamped to [0, 100].
	Percent int

	// Clamped is true when the script reported a value above 100. The
	// caller decides how loudly to complain; the value itself is usable.
	Clamped bool
}

// Extract scans one output line for a progress indicator. The first match on
// the line wins. ok is false when the line carries no progress token.
func Extract(line string) (Result, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return Result{}, false
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		// Only possible failure mode for an all-digit capture is range
		// overflow, which is just a very out-of-range percentage.
		return Result{Percent: 100, Clamped: true}, true
	}
	if n > 100 {
		return Result{Percent: 100, Clamped: true}, true
	}
	return Result{Percent: n}, true
}

// LogFilePath scans one output line for a LOG_FILE=<path> announcement made
// by the script. ok is false when the line carries none.
func LogFilePath(line string) (string, bool) {
	m := logFilePattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	path := strings.TrimSpace(m[1])
	if path == "" {
		return "", false
	}
	return path, true
}
