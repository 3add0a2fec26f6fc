package doc

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// BlockKind classifies a parsed markdown block.
type BlockKind string

const (
	BlockHeading   BlockKind = "heading"
	BlockParagraph BlockKind = "paragraph"
	BlockListItem  BlockKind = "list_item"
	BlockCode      BlockKind = "code"
)

// Block is one document block produced by markdown import.
type Block struct {
	Kind  BlockKind
	Level int // heading level, list nesting depth
	Text  string
}

var markdownParser = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
	),
)

// ParseBlocks parses markdown source into a flat block sequence.
func ParseBlocks(source string) ([]Block, error) {
	src := []byte(source)
	root := markdownParser.Parser().Parse(text.NewReader(src))

	var blocks []Block
	err := ast.Walk(root, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := node.(type) {
		case *ast.Heading:
			blocks = append(blocks, Block{
				Kind:  BlockHeading,
				Level: n.Level,
				Text:  nodeText(n, src),
			})
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph:
			// List item paragraphs are folded into their list item.
			if _, inList := n.Parent().(*ast.ListItem); inList {
				return ast.WalkContinue, nil
			}
			blocks = append(blocks, Block{
				Kind: BlockParagraph,
				Text: nodeText(n, src),
			})
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			blocks = append(blocks, Block{
				Kind:  BlockListItem,
				Level: listDepth(n),
				Text:  nodeText(n, src),
			})
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			blocks = append(blocks, Block{
				Kind: BlockCode,
				Text: codeText(n, src),
			})
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// RenderBlocks turns a block sequence back into canonical markdown text.
func RenderBlocks(blocks []Block) string {
	var sb strings.Builder
	for i, block := range blocks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		switch block.Kind {
		case BlockHeading:
			sb.WriteString(strings.Repeat("#", block.Level))
			sb.WriteString(" ")
			sb.WriteString(block.Text)
		case BlockListItem:
			sb.WriteString(strings.Repeat("  ", block.Level))
			sb.WriteString("- ")
			sb.WriteString(block.Text)
		case BlockCode:
			sb.WriteString("```\n")
			sb.WriteString(block.Text)
			if !strings.HasSuffix(block.Text, "\n") {
				sb.WriteString("\n")
			}
			sb.WriteString("```")
		default:
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// Outline returns the heading outline of markdown source, one entry per
// heading in document order, formatted as "## Title".
func Outline(source string) ([]string, error) {
	blocks, err := ParseBlocks(source)
	if err != nil {
		return nil, err
	}
	var outline []string
	for _, block := range blocks {
		if block.Kind == BlockHeading {
			outline = append(outline, fmt.Sprintf("%s %s",
				strings.Repeat("#", block.Level), block.Text))
		}
	}
	return outline, nil
}

func nodeText(node ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := n.(*ast.Text); ok {
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteString(" ")
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

func codeText(n *ast.FencedCodeBlock, src []byte) string {
	var sb strings.Builder
	for i := 0; i < n.Lines().Len(); i++ {
		line := n.Lines().At(i)
		sb.Write(line.Value(src))
	}
	return sb.String()
}

func listDepth(item *ast.ListItem) int {
	depth := 0
	for parent := item.Parent(); parent != nil; parent = parent.Parent() {
		if _, ok := parent.(*ast.List); ok {
			depth++
		}
	}
	return depth - 1
}
