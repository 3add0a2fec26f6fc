package doc

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/calunsford/sidenote/pkg/errors"
	"github.com/calunsford/sidenote/pkg/tool"
)

// Intent tags that unlock the extended document tools.
const (
	IntentStyling  = "styling"
	IntentTables   = "tables"
	IntentComments = "comments"
	IntentMarkdown = "markdown"
)

// RegisterTools registers the document tools on the broker.
//
// Core tier: get_markdown, insert_text, replace_text (plus the broker's
// meta-tools). Extended tiers are keyed by the Intent* tags. Every tool that
// touches the host is sync; lint_markdown operates only on its arguments and
// runs async.
func RegisterTools(b *tool.Broker, host Host) {
	b.MustRegister(tool.Definition{
		Name:        "get_markdown",
		Description: "Export the document or the current selection as markdown.",
		Parameters: tool.ObjectSchema(map[string]tool.Property{
			"scope": tool.StringEnumProperty("How much to export", "full", "selection"),
		}),
		Tier:    tool.TierCore,
		Mode:    tool.ModeSync,
		Handler: getMarkdownHandler(host),
	})

	b.MustRegister(tool.Definition{
		Name:        "insert_text",
		Description: "Insert text at a character offset. Offsets count characters, not bytes.",
		Parameters: tool.ObjectSchema(map[string]tool.Property{
			"offset": tool.IntProperty("Character offset to insert at"),
			"text":   tool.StringProperty("Text to insert"),
		}, "offset", "text"),
		Tier:    tool.TierCore,
		Mode:    tool.ModeSync,
		Handler: insertTextHandler(host),
	})

	b.MustRegister(tool.Definition{
		Name:        "replace_text",
		Description: "Replace the character range [start, end) with new text. Returns a diff preview of the change.",
		Parameters: tool.ObjectSchema(map[string]tool.Property{
			"start": tool.IntProperty("Start character offset, inclusive"),
			"end":   tool.IntProperty("End character offset, exclusive"),
			"text":  tool.StringProperty("Replacement text"),
		}, "start", "end", "text"),
		Tier:    tool.TierCore,
		Mode:    tool.ModeSync,
		Handler: replaceTextHandler(host),
	})

	b.MustRegister(tool.Definition{
		Name:        "get_styles",
		Description: "List the styles the document host can apply.",
		Parameters:  tool.ObjectSchema(nil),
		Tier:        tool.TierExtended,
		Intents:     []string{IntentStyling},
		Mode:        tool.ModeSync,
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return map[string]any{"styles": host.Styles()}, nil
		},
	})

	b.MustRegister(tool.Definition{
		Name:        "apply_style",
		Description: "Apply a named style to the character range [start, end).",
		Parameters: tool.ObjectSchema(map[string]tool.Property{
			"style": tool.StringProperty("Style name from get_styles"),
			"start": tool.IntProperty("Start character offset, inclusive"),
			"end":   tool.IntProperty("End character offset, exclusive"),
		}, "style", "start", "end"),
		Tier:    tool.TierExtended,
		Intents: []string{IntentStyling},
		Mode:    tool.ModeSync,
		Handler: applyStyleHandler(host),
	})

	b.MustRegister(tool.Definition{
		Name:        "insert_table",
		Description: "Insert an empty table at a character offset.",
		Parameters: tool.ObjectSchema(map[string]tool.Property{
			"rows":   tool.IntProperty("Number of rows"),
			"cols":   tool.IntProperty("Number of columns"),
			"offset": tool.IntProperty("Character offset to insert at"),
		}, "rows", "cols"),
		Tier:    tool.TierExtended,
		Intents: []string{IntentTables},
		Mode:    tool.ModeSync,
		Handler: insertTableHandler(host),
	})

	b.MustRegister(tool.Definition{
		Name:        "set_table_cell",
		Description: "Set the text of one cell of a table inserted with insert_table.",
		Parameters: tool.ObjectSchema(map[string]tool.Property{
			"table_id": tool.StringProperty("Table ID returned by insert_table"),
			"row":      tool.IntProperty("Zero-based row index"),
			"col":      tool.IntProperty("Zero-based column index"),
			"text":     tool.StringProperty("Cell text"),
		}, "table_id", "row", "col", "text"),
		Tier:    tool.TierExtended,
		Intents: []string{IntentTables},
		Mode:    tool.ModeSync,
		Handler: setTableCellHandler(host),
	})

	b.MustRegister(tool.Definition{
		Name:        "add_comment",
		Description: "Anchor a comment to the character range [start, end).",
		Parameters: tool.ObjectSchema(map[string]tool.Property{
			"start": tool.IntProperty("Start character offset, inclusive"),
			"end":   tool.IntProperty("End character offset, exclusive"),
			"text":  tool.StringProperty("Comment text"),
		}, "start", "end", "text"),
		Tier:    tool.TierExtended,
		Intents: []string{IntentComments},
		Mode:    tool.ModeSync,
		Handler: addCommentHandler(host),
	})

	b.MustRegister(tool.Definition{
		Name:        "list_comments",
		Description: "List the document's comments.",
		Parameters:  tool.ObjectSchema(nil),
		Tier:        tool.TierExtended,
		Intents:     []string{IntentComments},
		Mode:        tool.ModeSync,
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return map[string]any{"comments": host.Comments()}, nil
		},
	})

	b.MustRegister(tool.Definition{
		Name:        "import_markdown",
		Description: "Parse markdown and insert the resulting blocks at a character offset.",
		Parameters: tool.ObjectSchema(map[string]tool.Property{
			"offset":   tool.IntProperty("Character offset to insert at"),
			"markdown": tool.StringProperty("Markdown source"),
		}, "markdown"),
		Tier:    tool.TierExtended,
		Intents: []string{IntentMarkdown},
		Mode:    tool.ModeSync,
		Handler: importMarkdownHandler(host),
	})

	b.MustRegister(tool.Definition{
		Name:        "lint_markdown",
		Description: "Analyze markdown text you provide: heading outline and structural issues. Does not read or change the document.",
		Parameters: tool.ObjectSchema(map[string]tool.Property{
			"markdown": tool.StringProperty("Markdown source to analyze"),
		}, "markdown"),
		Tier:    tool.TierExtended,
		Intents: []string{IntentMarkdown},
		Mode:    tool.ModeAsync,
		Handler: lintMarkdownHandler(),
	})
}

func getMarkdownHandler(host Host) tool.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params struct {
			Scope string `json:"scope"`
		}
		if err := unmarshalArgs(args, &params); err != nil {
			return nil, err
		}
		markdown, err := host.Markdown(Scope(params.Scope))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"title":    host.Title(),
			"markdown": markdown,
		}, nil
	}
}

func insertTextHandler(host Host) tool.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params struct {
			Offset int    `json:"offset"`
			Text   string `json:"text"`
		}
		if err := unmarshalArgs(args, &params); err != nil {
			return nil, err
		}
		if err := host.InsertText(params.Offset, params.Text); err != nil {
			return nil, err
		}
		return map[string]any{
			"inserted": len([]rune(params.Text)),
			"length":   host.Length(),
		}, nil
	}
}

func replaceTextHandler(host Host) tool.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params struct {
			Start int    `json:"start"`
			End   int    `json:"end"`
			Text  string `json:"text"`
		}
		if err := unmarshalArgs(args, &params); err != nil {
			return nil, err
		}
		before, err := host.Markdown(ScopeFull)
		if err != nil {
			return nil, err
		}
		if err := host.ReplaceText(params.Start, params.End, params.Text); err != nil {
			return nil, err
		}
		after, err := host.Markdown(ScopeFull)
		if err != nil {
			return nil, err
		}
		preview, err := unifiedDiff(host.Title(), before, after)
		if err != nil {
			preview = ""
		}
		return map[string]any{
			"replaced": params.End - params.Start,
			"length":   host.Length(),
			"diff":     preview,
		}, nil
	}
}

func applyStyleHandler(host Host) tool.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params struct {
			Style string `json:"style"`
			Start int    `json:"start"`
			End   int    `json:"end"`
		}
		if err := unmarshalArgs(args, &params); err != nil {
			return nil, err
		}
		if err := host.ApplyStyle(params.Style, params.Start, params.End); err != nil {
			return nil, err
		}
		return map[string]any{"applied": params.Style}, nil
	}
}

func insertTableHandler(host Host) tool.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params struct {
			Rows   int `json:"rows"`
			Cols   int `json:"cols"`
			Offset int `json:"offset"`
		}
		if err := unmarshalArgs(args, &params); err != nil {
			return nil, err
		}
		id, err := host.InsertTable(params.Rows, params.Cols, params.Offset)
		if err != nil {
			return nil, err
		}
		return map[string]any{"table_id": id}, nil
	}
}

func setTableCellHandler(host Host) tool.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params struct {
			TableID string `json:"table_id"`
			Row     int    `json:"row"`
			Col     int    `json:"col"`
			Text    string `json:"text"`
		}
		if err := unmarshalArgs(args, &params); err != nil {
			return nil, err
		}
		if err := host.SetTableCell(params.TableID, params.Row, params.Col, params.Text); err != nil {
			return nil, err
		}
		return map[string]any{"table_id": params.TableID, "row": params.Row, "col": params.Col}, nil
	}
}

func addCommentHandler(host Host) tool.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params struct {
			Start int    `json:"start"`
			End   int    `json:"end"`
			Text  string `json:"text"`
		}
		if err := unmarshalArgs(args, &params); err != nil {
			return nil, err
		}
		id, err := host.AddComment(params.Start, params.End, "assistant", params.Text)
		if err != nil {
			return nil, err
		}
		return map[string]any{"comment_id": id}, nil
	}
}

func importMarkdownHandler(host Host) tool.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params struct {
			Offset   int    `json:"offset"`
			Markdown string `json:"markdown"`
		}
		if err := unmarshalArgs(args, &params); err != nil {
			return nil, err
		}
		if err := host.ImportMarkdown(params.Offset, params.Markdown); err != nil {
			return nil, err
		}
		return map[string]any{"length": host.Length()}, nil
	}
}

func lintMarkdownHandler() tool.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params struct {
			Markdown string `json:"markdown"`
		}
		if err := unmarshalArgs(args, &params); err != nil {
			return nil, err
		}
		blocks, err := ParseBlocks(params.Markdown)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeToolExecution, "markdown parse failed")
		}
		outline, _ := Outline(params.Markdown)

		var issues []string
		lastLevel := 0
		for _, block := range blocks {
			if block.Kind != BlockHeading {
				continue
			}
			if lastLevel > 0 && block.Level > lastLevel+1 {
				issues = append(issues, "heading level jumps from "+
					strings.Repeat("#", lastLevel)+" to "+strings.Repeat("#", block.Level))
			}
			if block.Text == "" {
				issues = append(issues, "empty heading")
			}
			lastLevel = block.Level
		}
		return map[string]any{
			"blocks":  len(blocks),
			"outline": outline,
			"issues":  issues,
		}, nil
	}
}

func unmarshalArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid tool arguments")
	}
	return nil
}

func unifiedDiff(title, from, to string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(from),
		B:        difflib.SplitLines(to),
		FromFile: title,
		ToFile:   title,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}
