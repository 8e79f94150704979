package ui

import (
	"regexp"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
)

var numberedItem = regexp.MustCompile(`\d+\.\s`)

// NormalizeNumberedLists puts a blank line before every numbered item
// ("1. ", "2. ", ...) so that replies which run list items together render
// as a markdown list. Text without numbered items is returned unchanged.
func NormalizeNumberedLists(text string) string {
	locs := numberedItem.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}

	var sb strings.Builder
	sb.Grow(len(text) + 2*len(locs))
	sb.WriteString(text[:locs[0][0]])
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		current := sb.String()
		switch {
		case current == "", strings.HasSuffix(current, "\n\n"):
		case strings.HasSuffix(current, "\n"):
			sb.WriteString("\n")
		default:
			sb.WriteString("\n\n")
		}
		sb.WriteString(text[loc[0]:end])
	}
	return sb.String()
}

// MarkdownRenderer renders assistant replies for the terminal. The
// underlying glamour renderer is rebuilt when the wrap width changes.
type MarkdownRenderer struct {
	style string

	mu       sync.Mutex
	width    int
	renderer *glamour.TermRenderer
}

// ResolveStyle maps "auto" (or "") to "dark" or "light" from the terminal
// background. Other styles are returned unchanged.
func ResolveStyle(style string) string {
	if style != "" && style != "auto" {
		return style
	}
	if termenv.HasDarkBackground() {
		return "dark"
	}
	return "light"
}

func NewMarkdownRenderer(style string, width int) (*MarkdownRenderer, error) {
	r := &MarkdownRenderer{style: ResolveStyle(style)}
	if err := r.SetWidth(width); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *MarkdownRenderer) SetWidth(width int) error {
	if width <= 0 {
		width = 80
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renderer != nil && r.width == width {
		return nil
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(r.style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return errors.Wrap(err, "create markdown renderer")
	}
	r.renderer = tr
	r.width = width
	return nil
}

// Render normalizes numbered lists and renders text as markdown. On render
// failure the normalized text is returned as is.
func (r *MarkdownRenderer) Render(text string) string {
	text = NormalizeNumberedLists(text)
	if strings.TrimSpace(text) == "" {
		return text
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}
