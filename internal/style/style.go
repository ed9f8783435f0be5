// Package style provides the ANSI-aware terminal output helpers shared by
// every cmd/ subcommand: a small palette of lipgloss.Style values for
// coloring status words and symbols, plus PrintWarning/PrintError for the
// "non-fatal problem, keep going" messages those subcommands print to
// stderr throughout a run.
package style

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Palette. These mirror the operational vocabulary the CLI reports with:
// a thing started or matched (Success), a thing is worth a second look but
// didn't abort the command (Warning), a thing failed outright (Error), and
// de-emphasized supporting text (Dim) or headings (Bold).
var (
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	Error   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	Info    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")) // blue
	Dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // gray
	Bold    = lipgloss.NewStyle().Bold(true)
)

// SuccessPrefix, WarningPrefix, and ErrorPrefix are pre-rendered symbols for
// callers that just need a leading glyph rather than wrapping a whole line.
var (
	SuccessPrefix = Success.Render("✓")
	WarningPrefix = Warning.Render("⚠")
	ErrorPrefix   = Error.Render("✗")
)

// PrintWarning writes a "⚠ <message>" line to stderr, for recoverable
// problems a command wants the operator to notice without aborting.
func PrintWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", WarningPrefix, fmt.Sprintf(format, args...))
}

// PrintError writes a "✗ <message>" line to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ErrorPrefix, fmt.Sprintf(format, args...))
}

// defaultTableWidth is used when stdout isn't a terminal (piped output,
// CI logs) and term.GetSize has nothing to report.
const defaultTableWidth = 100

// TerminalWidth returns the current width of stdout, falling back to
// defaultTableWidth when stdout isn't a terminal — used by `queue --list`
// and `scheduler --list` to decide how aggressively to truncate columns.
func TerminalWidth() int {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return defaultTableWidth
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return defaultTableWidth
	}
	return w
}

// Truncate shortens s to fit within width columns, replacing the tail with
// an ellipsis when it doesn't fit. Used to keep table rows (spec path,
// error messages) from wrapping a narrow terminal.
func Truncate(s string, width int) string {
	if width <= 1 || len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return s[:width-3] + "..."
}

// Table renders rows as a left-padded, width-aware plain table: each
// column is sized to its widest cell, capped so the whole row fits within
// TerminalWidth(). header may be nil to omit a header row.
func Table(header []string, rows [][]string) string {
	widths := columnWidths(header, rows)

	var b strings.Builder
	if header != nil {
		writeRow(&b, header, widths)
	}
	for _, row := range rows {
		writeRow(&b, row, widths)
	}
	return b.String()
}

func columnWidths(header []string, rows [][]string) []int {
	n := len(header)
	for _, row := range rows {
		if len(row) > n {
			n = len(row)
		}
	}
	widths := make([]int, n)
	for i, cell := range header {
		widths[i] = len(cell)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	return widths
}

func writeRow(b *strings.Builder, row []string, widths []int) {
	budget := TerminalWidth()
	for i, cell := range row {
		w := widths[i]
		if i < len(widths)-1 {
			fmt.Fprintf(b, "%-*s  ", w, Truncate(cell, w))
			budget -= w + 2
		} else {
			fmt.Fprintf(b, "%s", Truncate(cell, budget))
		}
	}
	b.WriteString("\n")
}
