// Package output provides consistent CLI output formatting with optional
// JSON mode for scripting.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Writer provides formatted output for CLI commands.
type Writer struct {
	out  io.Writer
	json bool
}

// New creates a new output Writer.
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

// NewJSON creates a Writer that emits machine-readable JSON.
func NewJSON(out io.Writer) *Writer {
	return &Writer{out: out, json: true}
}

// JSONMode reports whether the writer renders JSON.
func (w *Writer) JSONMode() bool {
	return w.json
}

// Emit writes v as a single JSON object in JSON mode; in text mode it is
// ignored (callers print text separately).
func (w *Writer) Emit(v any) error {
	if !w.json {
		return nil
	}
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if w.json {
		return
	}
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message with checkmark.
func (w *Writer) Success(msg string) {
	w.Status("✅", msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status("⚠️ ", msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status("❌", msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Table prints aligned key/value rows.
func (w *Writer) Table(rows [][2]string) {
	if w.json {
		return
	}
	width := 0
	for _, r := range rows {
		if len(r[0]) > width {
			width = len(r[0])
		}
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(w.out, "  %-*s  %s\n", width, r[0], r[1])
	}
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	if w.json {
		return
	}
	_, _ = fmt.Fprintln(w.out)
}

// Rule prints a horizontal separator.
func (w *Writer) Rule() {
	if w.json {
		return
	}
	_, _ = fmt.Fprintln(w.out, strings.Repeat("─", 50))
}
