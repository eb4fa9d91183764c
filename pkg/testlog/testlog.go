// Package testlog organizes raw test script output into per-run log files
// under an owner subdirectory, with a human-readable header and footer.
package testlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager creates per-run log files under a base directory.
//
// Layout:
//
//	<base>/<owner>/<test_case>_<timestamp>.log
//	<base>/<test_case>_<timestamp>.log        (no owner)
type Manager struct {
	baseDir string
}

func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: strings.TrimSpace(baseDir)}
}

func (m *Manager) BaseDir() string {
	return m.baseDir
}

// sanitize makes a free-text label safe for use as a path component.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}

// Create opens a new log file for one test run and writes the header block.
// testCase and owner are free text; empty testCase falls back to
// "UnknownTest".
func (m *Manager) Create(testCase, owner string) (*File, error) {
	if m.baseDir == "" {
		return nil, fmt.Errorf("log base dir is empty")
	}

	safeCase := sanitize(testCase)
	if safeCase == "" {
		safeCase = "UnknownTest"
	}
	safeOwner := sanitize(owner)

	dir := m.baseDir
	if safeOwner != "" {
		dir = filepath.Join(dir, safeOwner)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	now := time.Now()
	name := fmt.Sprintf("%s_%s.log", safeCase, now.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	header := strings.Repeat("=", 80) + "\n"
	header += fmt.Sprintf("Test Case: %s\n", testCase)
	if owner != "" {
		header += fmt.Sprintf("Owner: %s\n", owner)
	}
	header += fmt.Sprintf("Start Time: %s\n", now.Format(time.RFC3339))
	header += strings.Repeat("=", 80) + "\n\n"

	if _, err := f.WriteString(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write log header: %w", err)
	}

	return &File{path: path, f: f}, nil
}

// File is one open run log. It has a single writer (the slot's monitor
// goroutine) so writes are not locked.
type File struct {
	path string
	f    *os.File
}

func (l *File) Path() string {
	return l.path
}

// WriteLine appends one raw output line.
func (l *File) WriteLine(line string) error {
	_, err := l.f.WriteString(line + "\n")
	return err
}

// Close writes the footer and closes the file.
func (l *File) Close() error {
	footer := "\n" + strings.Repeat("=", 80) + "\n"
	footer += fmt.Sprintf("End Time: %s\n", time.Now().Format(time.RFC3339))
	footer += strings.Repeat("=", 80) + "\n"
	_, _ = l.f.WriteString(footer)
	return l.f.Close()
}
