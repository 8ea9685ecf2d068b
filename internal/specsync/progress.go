package specsync

import (
	"strings"

	"github.com/yuin/goldmark"
	gast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Item is one GFM task-list entry.
type Item struct {
	Title   string `json:"title"`
	Checked bool   `json:"checked"`
}

// Progress summarizes the task list of a markdown document.
type Progress struct {
	Total   int    `json:"total"`
	Checked int    `json:"checked"`
	Items   []Item `json:"items"`
}

// Percent returns the checked share in [0, 100].
func (p Progress) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return p.Checked * 100 / p.Total
}

// Remaining returns the titles of unchecked items in document order.
func (p Progress) Remaining() []string {
	out := make([]string, 0, p.Total-p.Checked)
	for _, item := range p.Items {
		if !item.Checked {
			out = append(out, item.Title)
		}
	}
	return out
}

// ComputeProgress walks the GFM AST of markdown and counts task-list items,
// including nested ones and those inside block quotes.
func ComputeProgress(markdown string) Progress {
	parser := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
	)
	source := []byte(markdown)
	doc := parser.Parser().Parse(text.NewReader(source))

	progress := Progress{Items: make([]Item, 0)}
	_ = gast.Walk(doc, func(node gast.Node, entering bool) (gast.WalkStatus, error) {
		if !entering {
			return gast.WalkContinue, nil
		}
		checkbox, ok := node.(*extast.TaskCheckBox)
		if !ok {
			return gast.WalkContinue, nil
		}

		progress.Total++
		if checkbox.IsChecked {
			progress.Checked++
		}
		progress.Items = append(progress.Items, Item{
			Title:   blockText(source, checkbox.Parent()),
			Checked: checkbox.IsChecked,
		})
		return gast.WalkContinue, nil
	})
	return progress
}

// blockText flattens the inline text of the block holding a checkbox.
func blockText(source []byte, block gast.Node) string {
	if block == nil {
		return ""
	}
	var builder strings.Builder
	for child := block.FirstChild(); child != nil; child = child.NextSibling() {
		_ = gast.Walk(child, func(inner gast.Node, entering bool) (gast.WalkStatus, error) {
			if !entering {
				return gast.WalkContinue, nil
			}
			switch value := inner.(type) {
			case *gast.Text:
				builder.Write(value.Segment.Value(source))
				if value.HardLineBreak() || value.SoftLineBreak() {
					builder.WriteByte(' ')
				}
			case *gast.String:
				builder.Write(value.Value)
			}
			return gast.WalkContinue, nil
		})
	}
	return strings.Join(strings.Fields(builder.String()), " ")
}
