package diagram

import (
	"slices"
	"strings"
)

// bodyIndent is the indentation used for merged diagram bodies.
const bodyIndent = "    "

// styleKeywords start presentation lines, kept after nodes and edges.
var styleKeywords = []string{"classDef", "class", "style", "linkStyle", "click"}

// unit is one mergeable piece of a diagram body: a single line or a whole
// subgraph block.
type unit struct {
	key   string
	lines []string
}

// parsed is a diagram split into header and deduplicated body groups.
type parsed struct {
	directives []string
	header     string
	nodes      []unit
	edges      []unit
	styles     []unit
}

// StructuralMerge folds fragment into existing without a model call. The header
// comes from the first diagram that has one. The body lists distinct node lines
// and subgraph blocks, then distinct edge lines, then styling lines, each in
// first-seen order. Plain comments are dropped; init directives are kept.
func StructuralMerge(existing, fragment string) string {
	if strings.TrimSpace(existing) == "" {
		existing, fragment = fragment, ""
	}

	merged := parse(existing)
	if strings.TrimSpace(fragment) != "" {
		merged.absorb(parse(fragment))
	}

	return merged.render()
}

// MergeAll structurally merges fragments in order onto base.
func MergeAll(base string, fragments []string) string {
	out := base
	for _, f := range fragments {
		out = StructuralMerge(out, f)
	}

	return out
}

func parse(text string) *parsed {
	p := &parsed{}
	lines := normalizeLines(text)

	header, idx := headerLine(lines)
	p.header = header

	for i := 0; i < idx; i++ {
		if t := strings.TrimSpace(lines[i]); strings.HasPrefix(t, commentPrefix+"{") {
			p.directives = append(p.directives, t)
		}
	}

	if idx < 0 {
		return p
	}

	body := lines[idx+1:]

	for i := 0; i < len(body); i++ {
		trimmed := strings.TrimSpace(body[i])

		switch {
		case trimmed == "":
		case isComment(trimmed):
			if strings.HasPrefix(trimmed, commentPrefix+"{") {
				p.directives = append(p.directives, trimmed)
			}
		case isBlockStart(trimmed):
			block, next := readBlock(body, i)
			p.nodes = appendUnit(p.nodes, unit{key: strings.Join(block, "\n"), lines: block})
			i = next
		case isStyleLine(trimmed):
			p.styles = appendUnit(p.styles, unit{key: trimmed, lines: []string{trimmed}})
		case IsEdge(trimmed):
			p.edges = appendUnit(p.edges, unit{key: trimmed, lines: []string{trimmed}})
		default:
			p.nodes = appendUnit(p.nodes, unit{key: trimmed, lines: []string{trimmed}})
		}
	}

	return p
}

func isBlockStart(trimmed string) bool {
	return trimmed == "subgraph" || strings.HasPrefix(trimmed, "subgraph ")
}

func isBlockEnd(trimmed string) bool {
	return trimmed == "end"
}

func isStyleLine(trimmed string) bool {
	for _, kw := range styleKeywords {
		if trimmed == kw || strings.HasPrefix(trimmed, kw+" ") {
			return true
		}
	}

	return false
}

// readBlock collects a subgraph block starting at body[start] including nested
// blocks. It returns the trimmed lines and the index of the closing line. An
// unterminated block runs to the end of the body.
func readBlock(body []string, start int) ([]string, int) {
	var (
		block []string
		depth int
	)

	for i := start; i < len(body); i++ {
		trimmed := strings.TrimSpace(body[i])
		if trimmed == "" {
			continue
		}

		block = append(block, trimmed)

		switch {
		case isBlockStart(trimmed):
			depth++
		case isBlockEnd(trimmed):
			depth--
		}

		if depth == 0 {
			return block, i
		}
	}

	return block, len(body) - 1
}

func appendUnit(units []unit, u unit) []unit {
	if slices.ContainsFunc(units, func(existing unit) bool { return existing.key == u.key }) {
		return units
	}

	return append(units, u)
}

func (p *parsed) absorb(other *parsed) {
	if p.header == "" {
		p.header = other.header
	}

	for _, d := range other.directives {
		if !slices.Contains(p.directives, d) {
			p.directives = append(p.directives, d)
		}
	}

	for _, u := range other.nodes {
		p.nodes = appendUnit(p.nodes, u)
	}

	for _, u := range other.edges {
		p.edges = appendUnit(p.edges, u)
	}

	for _, u := range other.styles {
		p.styles = appendUnit(p.styles, u)
	}
}

func (p *parsed) render() string {
	var sb strings.Builder

	for _, d := range p.directives {
		sb.WriteString(d)
		sb.WriteByte('\n')
	}

	if p.header != "" {
		sb.WriteString(p.header)
		sb.WriteByte('\n')
	}

	for _, group := range [][]unit{p.nodes, p.edges, p.styles} {
		for _, u := range group {
			writeUnit(&sb, u)
		}
	}

	return sb.String()
}

// writeUnit renders a unit with nesting-aware indentation.
func writeUnit(sb *strings.Builder, u unit) {
	depth := 1

	for _, line := range u.lines {
		if isBlockEnd(line) && depth > 1 {
			depth--
		}

		sb.WriteString(strings.Repeat(bodyIndent, depth))
		sb.WriteString(line)
		sb.WriteByte('\n')

		if isBlockStart(line) {
			depth++
		}
	}
}
