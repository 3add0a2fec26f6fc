package engine

import (
	"fmt"
	"strings"

	"github.com/calunsford/sidenote/pkg/doc"
)

// BuildContextMessage composes the per-turn document context replaced into
// the session at the start of every turn: title, selection, cursor block,
// and as much of the document body as the token budget allows.
func BuildContextMessage(host doc.Host, tokenBudget int) string {
	var sb strings.Builder
	sb.WriteString("Current document state:\n")
	fmt.Fprintf(&sb, "Title: %s\n", host.Title())
	fmt.Fprintf(&sb, "Length: %d characters\n", host.Length())

	if selection, ok := host.Selection(); ok {
		sb.WriteString("\nSelected text:\n")
		sb.WriteString(selection)
		sb.WriteString("\n")
	} else if cursorBlock := host.CursorContext(); cursorBlock != "" {
		sb.WriteString("\nParagraph at cursor:\n")
		sb.WriteString(cursorBlock)
		sb.WriteString("\n")
	}

	header := sb.String()
	headerTokens := CountTokens(header)
	bodyBudget := tokenBudget - headerTokens
	if bodyBudget <= 0 {
		return header
	}

	markdown, err := host.Markdown(doc.ScopeFull)
	if err != nil || markdown == "" {
		return header
	}

	body := truncateToTokens(markdown, bodyBudget)
	var out strings.Builder
	out.WriteString(header)
	out.WriteString("\nDocument body")
	if len(body) < len(markdown) {
		out.WriteString(" (truncated)")
	}
	out.WriteString(":\n")
	out.WriteString(body)
	return out.String()
}
