// Package diagram holds the Mermaid text utilities used while accumulating an
// architecture diagram: kind detection, sanitization, validation, structural
// merging and extraction from model responses.
package diagram

import (
	"regexp"
	"strings"
)

// Diagram kinds reported by Kind.
const (
	KindFlowchart    = "flowchart"
	KindSequence     = "sequenceDiagram"
	KindClass        = "classDiagram"
	KindState        = "stateDiagram"
	KindER           = "erDiagram"
	KindC4Context    = "C4Context"
	KindC4Container  = "C4Container"
	KindC4Component  = "C4Component"
	KindArchitecture = "architecture-beta"
	KindBlock        = "block-beta"
)

// commentPrefix starts a Mermaid comment or directive line.
const commentPrefix = "%%"

// kindAliases maps every recognized header keyword to its reported kind.
var kindAliases = map[string]string{
	"flowchart":          KindFlowchart,
	"graph":              KindFlowchart,
	"sequenceDiagram":    KindSequence,
	"classDiagram":       KindClass,
	"classDiagram-v2":    KindClass,
	"stateDiagram":       KindState,
	"stateDiagram-v2":    KindState,
	"erDiagram":          KindER,
	"C4Context":          KindC4Context,
	"C4Container":        KindC4Container,
	"C4Component":        KindC4Component,
	"C4Dynamic":          "C4Dynamic",
	"C4Deployment":       "C4Deployment",
	"architecture-beta":  KindArchitecture,
	"block-beta":         KindBlock,
	"gantt":              "gantt",
	"pie":                "pie",
	"journey":            "journey",
	"gitGraph":           "gitGraph",
	"mindmap":            "mindmap",
	"timeline":           "timeline",
	"quadrantChart":      "quadrantChart",
	"requirementDiagram": "requirementDiagram",
	"sankey-beta":        "sankey-beta",
	"xychart-beta":       "xychart-beta",
}

// edgePattern matches the connector tokens of flowchart, class, state, ER and
// sequence diagrams.
var edgePattern = regexp.MustCompile(`-{2,}|={2,}|-\.+-|<\.\.|\.\.\|?>|[|o}]\.\.|\.\.[|o{]|->`)

// quotedPattern matches a double-quoted string.
var quotedPattern = regexp.MustCompile(`"[^"]*"`)

// Kind returns the diagram kind declared by the first meaningful line of text,
// or an empty string when no recognized keyword is found. Comment lines and a
// leading front-matter block are skipped. "graph" is reported as flowchart.
func Kind(text string) string {
	header, _ := headerLine(strings.Split(text, "\n"))
	if header == "" {
		return ""
	}

	return kindOf(header)
}

func kindOf(header string) string {
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return ""
	}

	return kindAliases[strings.TrimSuffix(fields[0], ":")]
}

// headerLine returns the first line carrying diagram content and its index.
// The returned index is -1 when there is none.
func headerLine(lines []string) (string, int) {
	inFrontMatter := false

	for i, raw := range lines {
		line := strings.TrimSpace(raw)

		switch {
		case line == "---":
			inFrontMatter = !inFrontMatter
		case inFrontMatter, line == "", strings.HasPrefix(line, commentPrefix):
		default:
			return line, i
		}
	}

	return "", -1
}

// IsEdge reports whether line declares a relation between nodes.
// Comment lines never do and quoted text is ignored.
func IsEdge(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, commentPrefix) {
		return false
	}

	return edgePattern.MatchString(quotedPattern.ReplaceAllString(trimmed, `""`))
}

// isComment reports whether the trimmed line is a Mermaid comment or directive.
func isComment(trimmed string) bool {
	return strings.HasPrefix(trimmed, commentPrefix)
}
