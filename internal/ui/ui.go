// Package ui renders styled terminal output for the rowsync command.
//
// Styles degrade to plain text when stdout is not a terminal or the
// terminal has no color support.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	renderer = lipgloss.NewRenderer(os.Stdout)

	accentStyle = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"})
	passStyle   = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#027A48", Dark: "#32D583"})
	warnStyle   = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B54708", Dark: "#FDB022"})
	failStyle   = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B42318", Dark: "#F97066"})
	mutedStyle  = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#667085", Dark: "#98A2B3"})
	headerStyle = renderer.NewStyle().Bold(true)
)

func init() {
	if !IsTerminal() {
		renderer.SetColorProfile(termenv.Ascii)
	}
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsInteractive reports whether both stdin and stdout are terminals, so
// prompts can be shown.
func IsInteractive() bool {
	return IsTerminal() && term.IsTerminal(int(os.Stdin.Fd()))
}

// DisableColor forces plain output.
func DisableColor() {
	renderer.SetColorProfile(termenv.Ascii)
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// PrintTable writes rows under a bold header with padded columns.
func PrintTable(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			if i < len(widths)-1 {
				parts[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
			} else {
				parts[i] = cell
			}
		}
		return strings.Join(parts, "  ")
	}

	fmt.Fprintln(w, headerStyle.Render(line(header)))
	for _, row := range rows {
		fmt.Fprintln(w, line(row))
	}
}
