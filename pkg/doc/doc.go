// Package doc specifies the document host at its interface and provides an
// in-memory reference implementation used by tests and the demo binary.
//
// Every offset in this package is a rune offset. Mixing byte and rune
// coordinates across operations on the same document is the kind of defect
// this contract exists to rule out.
package doc

import "time"

// Scope selects how much of the document an export covers.
type Scope string

const (
	ScopeFull      Scope = "full"
	ScopeSelection Scope = "selection"
)

// Style is a named character or paragraph style the host exposes.
type Style struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Comment is an annotation anchored to a rune range.
type Comment struct {
	ID      string    `json:"id"`
	Start   int       `json:"start"`
	End     int       `json:"end"`
	Author  string    `json:"author"`
	Text    string    `json:"text"`
	Created time.Time `json:"created"`
}

// Host is the document-model collaborator. All methods that mutate state
// must only be called from the mutation goroutine; the engine enforces this
// by routing sync tools through the orchestration loop.
type Host interface {
	// Title returns the document title.
	Title() string

	// Length returns the document length in runes.
	Length() int

	// Markdown exports the document (or the current selection) as markdown.
	Markdown(scope Scope) (string, error)

	// Selection returns the selected text, if any.
	Selection() (text string, ok bool)

	// CursorContext returns the text of the block containing the cursor.
	CursorContext() string

	// InsertText inserts text at a rune offset.
	InsertText(offset int, text string) error

	// ReplaceText replaces the rune range [start, end) with text.
	ReplaceText(start, end int, text string) error

	// Styles lists the styles the host can apply.
	Styles() []Style

	// ApplyStyle applies a named style to the rune range [start, end).
	ApplyStyle(name string, start, end int) error

	// InsertTable inserts a rows x cols table at a rune offset and returns
	// its ID.
	InsertTable(rows, cols, offset int) (string, error)

	// SetTableCell sets the text of one cell of a previously inserted table.
	SetTableCell(tableID string, row, col int, text string) error

	// AddComment anchors a comment to the rune range [start, end).
	AddComment(start, end int, author, text string) (string, error)

	// Comments lists the document's comments.
	Comments() []Comment

	// ImportMarkdown parses markdown and inserts the resulting blocks at a
	// rune offset.
	ImportMarkdown(offset int, source string) error

	// OpenUndoScope opens a named undo grouping boundary. Scopes do not
	// nest; a second open before close is an error.
	OpenUndoScope(name string) error

	// CloseUndoScope closes the open undo scope.
	CloseUndoScope() error
}
