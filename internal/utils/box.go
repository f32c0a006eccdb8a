package utils

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// BoxKind selects the colour and icon of a Box.
type BoxKind int

const (
	InfoBox BoxKind = iota
	SuccessBox
	WarningBox
	ErrorBox
)

var boxStyles = map[BoxKind]struct {
	color lipgloss.Color
	icon  string
}{
	InfoBox:    {lipgloss.Color("86"), "ℹ"},
	SuccessBox: {lipgloss.Color("42"), "✓"},
	WarningBox: {lipgloss.Color("178"), "⚠"},
	ErrorBox:   {lipgloss.Color("196"), "✗"},
}

// Box renders a titled summary in a rounded border.
type Box struct {
	kind  BoxKind
	title string
	lines []string
	width int
}

// NewBox creates an empty box sized to the terminal.
func NewBox(kind BoxKind, title string) *Box {
	return &Box{kind: kind, title: title, width: terminalWidth() - 4}
}

// AddLine appends a line of text.
func (b *Box) AddLine(text string) *Box {
	b.lines = append(b.lines, text)
	return b
}

// AddKeyValue appends an aligned "key: value" line. Keys are padded to width.
func (b *Box) AddKeyValue(key string, width int, value interface{}) *Box {
	b.lines = append(b.lines, fmt.Sprintf("%-*s %v", width+1, key+":", value))
	return b
}

// AddBullet appends a bulleted line.
func (b *Box) AddBullet(text string) *Box {
	b.lines = append(b.lines, "• "+text)
	return b
}

// Render returns the box as a string without a trailing newline.
func (b *Box) Render() string {
	s := boxStyles[b.kind]
	header := lipgloss.NewStyle().Bold(true).Foreground(s.color).Render(s.icon + " " + b.title)

	body := header
	if len(b.lines) > 0 {
		body += "\n\n" + strings.Join(b.lines, "\n")
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(s.color).
		Padding(0, 1)
	if b.width > 20 && lipgloss.Width(body)+4 > b.width {
		style = style.Width(b.width)
	}
	return style.Render(body)
}

// terminalWidth returns the width of stdout, or 80 when it is not a terminal.
func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}
