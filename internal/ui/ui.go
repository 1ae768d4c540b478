// Package ui formats CLI output: colors when attached to a terminal and
// plain text otherwise.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

var writer io.Writer = os.Stderr

// SetWriter overrides the stderr writer (for testing). nil restores stderr.
func SetWriter(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	writer = w
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var stdoutTTY = isTerminal(os.Stdout)

var color = os.Getenv("NO_COLOR") == "" && stdoutTTY

// StdoutIsTerminal reports whether stdout is a terminal. Commands print
// tables to terminals and JSON elsewhere.
func StdoutIsTerminal() bool { return stdoutTTY }

// SetColorEnabled overrides color detection (for testing).
func SetColorEnabled(enabled bool) { color = enabled }

func ansi(code, s string) string {
	if !color {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

// Bold returns s in bold.
func Bold(s string) string { return ansi("1", s) }

// Dim returns s dimmed.
func Dim(s string) string { return ansi("2", s) }

// Green returns s in green.
func Green(s string) string { return ansi("32", s) }

// Red returns s in red.
func Red(s string) string { return ansi("31", s) }

// Yellow returns s in yellow.
func Yellow(s string) string { return ansi("33", s) }

// Tag returns a green check for ok and a red cross otherwise.
func Tag(ok bool) string {
	if ok {
		return Green("✓")
	}
	return Red("✗")
}

// Warnf prints a formatted warning to stderr.
func Warnf(format string, args ...any) {
	fmt.Fprintf(writer, "%s %s\n", Yellow("Warning:"), fmt.Sprintf(format, args...))
}

// Errorf prints a formatted error to stderr.
func Errorf(format string, args ...any) {
	fmt.Fprintf(writer, "%s %s\n", Red("Error:"), fmt.Sprintf(format, args...))
}
