package doc

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/calunsford/sidenote/pkg/errors"
)

// MemoryDoc is an in-memory Host. It is not safe for concurrent use; like a
// real document model it expects all calls from the mutation goroutine.
type MemoryDoc struct {
	title   string
	content []rune

	selStart, selEnd int // rune range, selStart == selEnd means no selection
	cursor           int

	styles  []Style
	applied []appliedStyle
	tables  map[string]*table
	order   []string // table insertion order
	notes   []Comment

	scopeName string
	scopeOpen bool
	undoStack []snapshot
}

type appliedStyle struct {
	Name       string
	Start, End int
}

type table struct {
	Cells [][]string
}

type snapshot struct {
	name    string
	content []rune
	applied []appliedStyle
	tables  map[string]*table
	order   []string
	notes   []Comment
}

// DefaultStyles are the styles the reference host exposes.
var DefaultStyles = []Style{
	{Name: "Title", Description: "Document title"},
	{Name: "Heading 1", Description: "Top-level section heading"},
	{Name: "Heading 2", Description: "Subsection heading"},
	{Name: "Quotation", Description: "Indented quotation block"},
	{Name: "Emphasis", Description: "Emphasized inline text"},
	{Name: "Strong", Description: "Strong inline text"},
}

// NewMemoryDoc creates a document with the given title and initial text.
func NewMemoryDoc(title, content string) *MemoryDoc {
	return &MemoryDoc{
		title:   title,
		content: []rune(content),
		styles:  DefaultStyles,
		tables:  make(map[string]*table),
	}
}

func (d *MemoryDoc) Title() string { return d.title }

func (d *MemoryDoc) Length() int { return len(d.content) }

// Text returns the document body as plain text.
func (d *MemoryDoc) Text() string { return string(d.content) }

// SetSelection sets the selected rune range. Equal offsets clear it.
func (d *MemoryDoc) SetSelection(start, end int) error {
	if err := d.checkRange(start, end); err != nil {
		return err
	}
	d.selStart, d.selEnd = start, end
	d.cursor = end
	return nil
}

// SetCursor moves the cursor to a rune offset and clears the selection.
func (d *MemoryDoc) SetCursor(offset int) error {
	if offset < 0 || offset > len(d.content) {
		return errors.New(errors.ErrCodeInvalidInput, "cursor offset out of range").
			WithContext("offset", offset).
			WithContext("length", len(d.content))
	}
	d.cursor = offset
	d.selStart, d.selEnd = 0, 0
	return nil
}

func (d *MemoryDoc) Selection() (string, bool) {
	if d.selStart == d.selEnd {
		return "", false
	}
	return string(d.content[d.selStart:d.selEnd]), true
}

func (d *MemoryDoc) CursorContext() string {
	text := string(d.content)
	byteAt := len(string(d.content[:d.cursor]))
	start := strings.LastIndex(text[:byteAt], "\n\n")
	if start < 0 {
		start = 0
	} else {
		start += 2
	}
	end := strings.Index(text[byteAt:], "\n\n")
	if end < 0 {
		end = len(text)
	} else {
		end += byteAt
	}
	return strings.TrimSpace(text[start:end])
}

func (d *MemoryDoc) Markdown(scope Scope) (string, error) {
	switch scope {
	case ScopeSelection:
		text, ok := d.Selection()
		if !ok {
			return "", errors.New(errors.ErrCodeInvalidInput, "no selection to export")
		}
		return text, nil
	case ScopeFull, "":
		var sb strings.Builder
		sb.WriteString(string(d.content))
		for _, id := range d.order {
			sb.WriteString("\n\n")
			sb.WriteString(renderTable(d.tables[id].Cells))
		}
		return sb.String(), nil
	default:
		return "", errors.New(errors.ErrCodeInvalidInput, "unknown export scope").
			WithContext("scope", string(scope))
	}
}

func (d *MemoryDoc) InsertText(offset int, text string) error {
	if offset < 0 || offset > len(d.content) {
		return errors.New(errors.ErrCodeInvalidInput, "insert offset out of range").
			WithContext("offset", offset).
			WithContext("length", len(d.content))
	}
	inserted := []rune(text)
	d.content = append(d.content[:offset], append(inserted, d.content[offset:]...)...)
	return nil
}

func (d *MemoryDoc) ReplaceText(start, end int, text string) error {
	if err := d.checkRange(start, end); err != nil {
		return err
	}
	replacement := []rune(text)
	d.content = append(d.content[:start], append(replacement, d.content[end:]...)...)
	return nil
}

func (d *MemoryDoc) Styles() []Style {
	out := make([]Style, len(d.styles))
	copy(out, d.styles)
	return out
}

func (d *MemoryDoc) ApplyStyle(name string, start, end int) error {
	if err := d.checkRange(start, end); err != nil {
		return err
	}
	for _, style := range d.styles {
		if style.Name == name {
			d.applied = append(d.applied, appliedStyle{Name: name, Start: start, End: end})
			return nil
		}
	}
	return errors.New(errors.ErrCodeInvalidInput, "unknown style").
		WithContext("style", name)
}

// AppliedStyleCount reports how many style ranges have been applied.
func (d *MemoryDoc) AppliedStyleCount() int { return len(d.applied) }

func (d *MemoryDoc) InsertTable(rows, cols, offset int) (string, error) {
	if rows < 1 || cols < 1 {
		return "", errors.New(errors.ErrCodeInvalidInput, "table needs at least one row and column").
			WithContext("rows", rows).
			WithContext("cols", cols)
	}
	if offset < 0 || offset > len(d.content) {
		return "", errors.New(errors.ErrCodeInvalidInput, "table offset out of range").
			WithContext("offset", offset)
	}
	cells := make([][]string, rows)
	for i := range cells {
		cells[i] = make([]string, cols)
	}
	id := "tbl_" + ulid.Make().String()
	d.tables[id] = &table{Cells: cells}
	d.order = append(d.order, id)
	return id, nil
}

func (d *MemoryDoc) SetTableCell(tableID string, row, col int, text string) error {
	tbl, ok := d.tables[tableID]
	if !ok {
		return errors.New(errors.ErrCodeInvalidInput, "unknown table").
			WithContext("table_id", tableID)
	}
	if row < 0 || row >= len(tbl.Cells) || col < 0 || col >= len(tbl.Cells[0]) {
		return errors.New(errors.ErrCodeInvalidInput, "table cell out of range").
			WithContext("row", row).
			WithContext("col", col)
	}
	tbl.Cells[row][col] = text
	return nil
}

func (d *MemoryDoc) AddComment(start, end int, author, text string) (string, error) {
	if err := d.checkRange(start, end); err != nil {
		return "", err
	}
	comment := Comment{
		ID:      "cmt_" + ulid.Make().String(),
		Start:   start,
		End:     end,
		Author:  author,
		Text:    text,
		Created: time.Now(),
	}
	d.notes = append(d.notes, comment)
	return comment.ID, nil
}

func (d *MemoryDoc) Comments() []Comment {
	out := make([]Comment, len(d.notes))
	copy(out, d.notes)
	return out
}

func (d *MemoryDoc) ImportMarkdown(offset int, source string) error {
	blocks, err := ParseBlocks(source)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "markdown parse failed")
	}
	return d.InsertText(offset, RenderBlocks(blocks))
}

func (d *MemoryDoc) OpenUndoScope(name string) error {
	if d.scopeOpen {
		return errors.New(errors.ErrCodeInternal, "undo scope already open").
			WithContext("scope", d.scopeName)
	}
	d.scopeOpen = true
	d.scopeName = name
	d.undoStack = append(d.undoStack, d.snapshot(name))
	return nil
}

func (d *MemoryDoc) CloseUndoScope() error {
	if !d.scopeOpen {
		return errors.New(errors.ErrCodeInternal, "no undo scope open")
	}
	d.scopeOpen = false
	d.scopeName = ""
	return nil
}

// ScopeOpen reports whether an undo scope is currently open.
func (d *MemoryDoc) ScopeOpen() bool { return d.scopeOpen }

// Undo reverts the document to the state captured when the most recently
// opened undo scope was opened.
func (d *MemoryDoc) Undo() bool {
	if d.scopeOpen || len(d.undoStack) == 0 {
		return false
	}
	last := d.undoStack[len(d.undoStack)-1]
	d.undoStack = d.undoStack[:len(d.undoStack)-1]
	d.restore(last)
	return true
}

func (d *MemoryDoc) snapshot(name string) snapshot {
	snap := snapshot{
		name:    name,
		content: append([]rune(nil), d.content...),
		applied: append([]appliedStyle(nil), d.applied...),
		tables:  make(map[string]*table, len(d.tables)),
		order:   append([]string(nil), d.order...),
		notes:   append([]Comment(nil), d.notes...),
	}
	for id, tbl := range d.tables {
		cells := make([][]string, len(tbl.Cells))
		for i, row := range tbl.Cells {
			cells[i] = append([]string(nil), row...)
		}
		snap.tables[id] = &table{Cells: cells}
	}
	return snap
}

func (d *MemoryDoc) restore(snap snapshot) {
	d.content = snap.content
	d.applied = snap.applied
	d.tables = snap.tables
	d.order = snap.order
	d.notes = snap.notes
}

func (d *MemoryDoc) checkRange(start, end int) error {
	if start < 0 || end < start || end > len(d.content) {
		return errors.New(errors.ErrCodeInvalidInput, "range out of bounds").
			WithContext("start", start).
			WithContext("end", end).
			WithContext("length", len(d.content))
	}
	return nil
}

func renderTable(cells [][]string) string {
	var sb strings.Builder
	for i, row := range cells {
		sb.WriteString("| ")
		sb.WriteString(strings.Join(row, " | "))
		sb.WriteString(" |\n")
		if i == 0 {
			sb.WriteString("|")
			sb.WriteString(strings.Repeat(" --- |", len(row)))
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

var _ Host = (*MemoryDoc)(nil)

// String implements fmt.Stringer for debug output.
func (d *MemoryDoc) String() string {
	return fmt.Sprintf("MemoryDoc(%q, %d runes, %d tables, %d comments)",
		d.title, len(d.content), len(d.tables), len(d.notes))
}
