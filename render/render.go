// Package render is the console's output surface. Two variants implement
// the same interface: a styled renderer for interactive terminals and a
// plain one for pipes and dumb terminals. Callers depend only on the
// interface, never on which variant is active.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Renderer is the capability-checked output interface.
type Renderer interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	// Markdown renders a final report. The rich variant styles headings
	// and bullets; the plain variant prints the text as is.
	Markdown(md string)
}

// New picks the variant for w: styled when w is an interactive terminal,
// plain otherwise.
func New(w io.Writer) Renderer {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return NewRich(w)
	}
	return NewPlain(w)
}

// Plain writes unstyled output with level prefixes.
type Plain struct {
	w io.Writer
}

// NewPlain creates the unstyled variant.
func NewPlain(w io.Writer) *Plain {
	return &Plain{w: w}
}

func (p *Plain) Info(format string, args ...any) {
	fmt.Fprintf(p.w, "[info] "+format+"\n", args...)
}

func (p *Plain) Warn(format string, args ...any) {
	fmt.Fprintf(p.w, "[warn] "+format+"\n", args...)
}

func (p *Plain) Error(format string, args ...any) {
	fmt.Fprintf(p.w, "[error] "+format+"\n", args...)
}

func (p *Plain) Markdown(md string) {
	fmt.Fprintln(p.w, strings.TrimSpace(md))
}

// Rich writes styled output for interactive terminals.
type Rich struct {
	w       io.Writer
	info    lipgloss.Style
	warn    lipgloss.Style
	errs    lipgloss.Style
	heading lipgloss.Style
	bullet  lipgloss.Style
}

// NewRich creates the styled variant.
func NewRich(w io.Writer) *Rich {
	return &Rich{
		w:       w,
		info:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		errs:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		heading: lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
		bullet:  lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
	}
}

func (r *Rich) Info(format string, args ...any) {
	fmt.Fprintln(r.w, r.info.Render(fmt.Sprintf(format, args...)))
}

func (r *Rich) Warn(format string, args ...any) {
	fmt.Fprintln(r.w, r.warn.Render(fmt.Sprintf(format, args...)))
}

func (r *Rich) Error(format string, args ...any) {
	fmt.Fprintln(r.w, r.errs.Render(fmt.Sprintf(format, args...)))
}

// Markdown styles headings and list bullets line by line. Anything else
// passes through untouched.
func (r *Rich) Markdown(md string) {
	for _, line := range strings.Split(strings.TrimSpace(md), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "#"):
			fmt.Fprintln(r.w, r.heading.Render(trimmed))
		case strings.HasPrefix(trimmed, "- "), strings.HasPrefix(trimmed, "* "):
			fmt.Fprintln(r.w, r.bullet.Render("  •")+" "+strings.TrimSpace(trimmed[2:]))
		default:
			fmt.Fprintln(r.w, line)
		}
	}
}
