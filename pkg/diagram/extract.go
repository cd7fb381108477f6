package diagram

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// mermaidLanguage is the info string of fenced Mermaid blocks.
const mermaidLanguage = "mermaid"

var (
	summaryTag  = regexp.MustCompile(`(?s)<summary>(.*?)</summary>`)
	fencedBlock = regexp.MustCompile("(?s)```[^\n]*\n.*?```")
	blankRun    = regexp.MustCompile(`\n{3,}`)
)

// codeBlock is a fenced block found in a Markdown response.
type codeBlock struct {
	language string
	body     string
}

// fencedBlocks parses src as Markdown and returns its fenced code blocks in
// document order.
func fencedBlocks(src []byte) []codeBlock {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var blocks []codeBlock

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		fenced, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		var buf bytes.Buffer

		lines := fenced.Lines()
		for i := range lines.Len() {
			seg := lines.At(i)
			buf.Write(seg.Value(src))
		}

		blocks = append(blocks, codeBlock{
			language: strings.ToLower(string(fenced.Language(src))),
			body:     buf.String(),
		})

		return ast.WalkSkipChildren, nil
	})

	return blocks
}

// ExtractDiagram returns the Mermaid text of a model response: the first
// fenced mermaid block, else the first fenced block that starts with a diagram
// keyword, else the whole response when it is itself a diagram. It returns an
// empty string when no diagram is found.
func ExtractDiagram(response string) string {
	blocks := fencedBlocks([]byte(response))

	for _, b := range blocks {
		if b.language == mermaidLanguage && strings.TrimSpace(b.body) != "" {
			return strings.TrimSpace(b.body) + "\n"
		}
	}

	for _, b := range blocks {
		if Kind(b.body) != "" {
			return strings.TrimSpace(b.body) + "\n"
		}
	}

	if Kind(response) != "" {
		return strings.TrimSpace(response) + "\n"
	}

	return ""
}

// ExtractSummary returns the body of the first <summary> element of a model
// response, or the response with fenced blocks removed when there is none.
func ExtractSummary(response string) string {
	if m := summaryTag.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}

	prose := fencedBlock.ReplaceAllString(response, "")

	return strings.TrimSpace(blankRun.ReplaceAllString(prose, "\n\n"))
}
