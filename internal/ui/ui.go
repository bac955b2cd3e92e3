// Package ui renders CLI output: status glyphs, toasts and simple tables.
//
// Colors follow the terminal's capabilities as detected by termenv, and are
// dropped entirely when NO_COLOR is set or output is not a terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/fitdesk/fitsync/internal/offline/notify"
)

var (
	mu       sync.RWMutex
	renderer = lipgloss.NewRenderer(os.Stdout, termenv.WithColorCache(true))

	accentColor = lipgloss.AdaptiveColor{Light: "#0060C0", Dark: "#5FAFFF"}
	passColor   = lipgloss.AdaptiveColor{Light: "#008000", Dark: "#5FD75F"}
	warnColor   = lipgloss.AdaptiveColor{Light: "#B35C00", Dark: "#FFAF00"}
	failColor   = lipgloss.AdaptiveColor{Light: "#C00000", Dark: "#FF5F5F"}
	mutedColor  = lipgloss.AdaptiveColor{Light: "#707070", Dark: "#8A8A8A"}
)

func init() {
	if termenv.EnvNoColor() {
		renderer.SetColorProfile(termenv.Ascii)
	}
}

// SetOutput points rendering at w and re-detects its color profile.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	renderer = lipgloss.NewRenderer(w)
	if termenv.EnvNoColor() {
		renderer.SetColorProfile(termenv.Ascii)
	}
}

// DisableColor forces plain output.
func DisableColor() {
	mu.Lock()
	defer mu.Unlock()
	renderer.SetColorProfile(termenv.Ascii)
}

func style() lipgloss.Style {
	mu.RLock()
	defer mu.RUnlock()
	return renderer.NewStyle()
}

// RenderAccent highlights informational output.
func RenderAccent(s string) string {
	return style().Foreground(accentColor).Render(s)
}

// RenderPass renders success output.
func RenderPass(s string) string {
	return style().Foreground(passColor).Render(s)
}

// RenderWarn renders warnings.
func RenderWarn(s string) string {
	return style().Foreground(warnColor).Render(s)
}

// RenderFail renders errors.
func RenderFail(s string) string {
	return style().Foreground(failColor).Bold(true).Render(s)
}

// RenderMuted renders secondary detail.
func RenderMuted(s string) string {
	return style().Foreground(mutedColor).Render(s)
}

// RenderBold renders headings.
func RenderBold(s string) string {
	return style().Bold(true).Render(s)
}

// Glyph returns the status glyph for a toast level, already colored.
func Glyph(level notify.Level) string {
	switch level {
	case notify.LevelSuccess:
		return RenderPass("✓")
	case notify.LevelWarning:
		return RenderWarn("⚠")
	case notify.LevelError:
		return RenderFail("✗")
	default:
		return RenderAccent("ℹ")
	}
}

// RenderToast formats a notification as one or two lines.
func RenderToast(n notify.Notification) string {
	line := Glyph(n.Level) + " " + n.Title
	if n.Message != "" {
		line += "\n  " + RenderMuted(n.Message)
	}
	return line
}

// Toaster prints notifications to a writer. It implements notify.Notifier.
type Toaster struct {
	mu sync.Mutex
	w  io.Writer
}

var _ notify.Notifier = (*Toaster)(nil)

// NewToaster returns a Toaster writing to w (stdout when nil).
func NewToaster(w io.Writer) *Toaster {
	if w == nil {
		w = os.Stdout
	}
	return &Toaster{w: w}
}

// Notify implements notify.Notifier.
func (t *Toaster) Notify(n notify.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, RenderToast(n))
}

// Table renders rows under a bold header with columns padded to width.
func Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, render func(string) string) {
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			pad := widths[i] - lipgloss.Width(cell)
			if i < len(widths)-1 {
				cell += strings.Repeat(" ", pad+2)
			}
			b.WriteString(render(cell))
		}
		b.WriteString("\n")
	}

	writeRow(header, RenderBold)
	for _, row := range rows {
		writeRow(row, func(s string) string { return s })
	}
	return b.String()
}
