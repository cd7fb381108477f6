package diagram

import (
	"regexp"
	"strings"
)

// maxSanitizeRounds bounds the fixed-point iteration of Sanitize.
const maxSanitizeRounds = 16

// Inline-label connectors that Mermaid renders poorly once labels get long.
var (
	inlineSolid  = regexp.MustCompile(`(\S)\s*--\s+[^\s\->|][^>|]*?\s+-->`)
	inlineDotted = regexp.MustCompile(`(\S)\s*-\.\s+[^\s.>|][^>|]*?\s+\.->`)
	inlineThick  = regexp.MustCompile(`(\S)\s*==\s+[^\s=>|][^>|]*?\s+==>`)
)

// Dangling connectors at either end of an edge line.
var (
	trailingConnector = regexp.MustCompile(`\s*(-->|-\.->|==>|---|-\.-|===)(\|[^|]*\|)?$`)
	leadingConnector  = regexp.MustCompile(`^(-->|-\.->|==>|---|-\.-|===)(\|[^|]*\|)?\s*`)
	leadingIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*`)
)

// Quoting artifacts left behind by models or earlier tooling.
var (
	doubledOpenQuote  = regexp.MustCompile(`([\[({|])"{2,}([^"\])}|])`)
	doubledCloseQuote = regexp.MustCompile(`([^"\[({|])"{2,}([\])}|])`)
	doubleEscapedAmp  = regexp.MustCompile(`&amp;(\w+);`)
)

// nonNodeKeywords start flowchart lines that never carry node shapes.
var nonNodeKeywords = []string{
	"subgraph", "end", "classDef", "class", "style", "linkStyle", "click", "direction",
}

// labelEntities escapes characters Mermaid reserves inside node labels.
var labelEntities = strings.NewReplacer(
	"(", "#40;",
	")", "#41;",
	"[", "#91;",
	"]", "#93;",
	"{", "#123;",
	"}", "#125;",
	"<", "#lt;",
	">", "#gt;",
	`"`, "#quot;",
)

// reservedLabelChars need quoting when they appear in a node label.
const reservedLabelChars = `()[]{}<>"`

// Sanitize repairs common syntax defects in generated Mermaid text. It is
// deterministic and idempotent: Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(text string) string {
	out := text

	for range maxSanitizeRounds {
		next := sanitizeOnce(out)
		if next == out {
			break
		}

		out = next
	}

	return out
}

func sanitizeOnce(text string) string {
	lines := normalizeLines(text)
	lines = rewriteInlineLabels(lines)
	lines = completeConnectors(lines)

	if kindOf(firstHeader(lines)) == KindFlowchart {
		lines = quoteLabels(lines)
	}

	lines = collapseQuotes(lines)

	return collapseBlankLines(lines)
}

func firstHeader(lines []string) string {
	header, _ := headerLine(lines)

	return header
}

// normalizeLines converts line endings and strips trailing whitespace.
func normalizeLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}

	return lines
}

// rewriteInlineLabels turns `A -- text --> B` style edges into plain connectors.
func rewriteInlineLabels(lines []string) []string {
	for i, line := range lines {
		if isComment(strings.TrimSpace(line)) {
			continue
		}

		line = inlineSolid.ReplaceAllString(line, "$1 -->")
		line = inlineDotted.ReplaceAllString(line, "$1 -.->")
		lines[i] = inlineThick.ReplaceAllString(line, "$1 ==>")
	}

	return lines
}

// completeConnectors fixes edges cut off at either end. A trailing connector
// takes the nearest following node identifier, else the nearest preceding one.
// A leading connector prefers the preceding identifier. Without a candidate the
// connector is dropped.
func completeConnectors(lines []string) []string {
	_, start := headerLine(lines)
	if start < 0 {
		return lines
	}

	for i := start; i < len(lines); i++ {
		indent, body := splitIndent(lines[i])
		if body == "" || isComment(body) {
			continue
		}

		if loc := trailingConnector.FindStringIndex(body); loc != nil {
			source := leadingIdentifier.FindString(body)

			target := identifierAfter(lines, i, source)
			if target == "" {
				target = identifierBefore(lines, i, start, source)
			}

			if target == "" {
				body = strings.TrimRight(body[:loc[0]], " \t")
			} else {
				body = strings.TrimRight(body, " \t") + " " + target
			}
		}

		if loc := leadingConnector.FindStringIndex(body); loc != nil {
			source := identifierBefore(lines, i, start, "")
			if source == "" {
				source = identifierAfter(lines, i, "")
			}

			if source == "" {
				body = body[loc[1]:]
			} else {
				body = source + " " + body
			}
		}

		lines[i] = indent + body
	}

	return lines
}

func splitIndent(line string) (string, string) {
	body := strings.TrimLeft(line, " \t")

	return line[:len(line)-len(body)], body
}

func identifierAfter(lines []string, idx int, exclude string) string {
	for j := idx + 1; j < len(lines); j++ {
		if id := lineIdentifier(lines[j]); id != "" && id != exclude {
			return id
		}
	}

	return ""
}

func identifierBefore(lines []string, idx, start int, exclude string) string {
	for j := idx - 1; j >= start; j-- {
		if id := lineIdentifier(lines[j]); id != "" && id != exclude {
			return id
		}
	}

	return ""
}

// lineIdentifier returns the node identifier a line starts with, if any.
func lineIdentifier(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || isComment(trimmed) || hasNonNodeKeyword(trimmed) || kindOf(trimmed) != "" {
		return ""
	}

	return leadingIdentifier.FindString(trimmed)
}

func hasNonNodeKeyword(trimmed string) bool {
	for _, kw := range nonNodeKeywords {
		if trimmed == kw || strings.HasPrefix(trimmed, kw+" ") {
			return true
		}
	}

	return false
}

// quoteLabels wraps flowchart node labels holding reserved characters in quotes.
func quoteLabels(lines []string) []string {
	header := -1
	if _, idx := headerLine(lines); idx >= 0 {
		header = idx
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if i <= header || trimmed == "" || isComment(trimmed) || hasNonNodeKeyword(trimmed) {
			continue
		}

		lines[i] = quoteLineLabels(line)
	}

	return lines
}

// shape is a node shape delimiter pair; longer openers are listed first.
type shape struct {
	open, close string
}

var shapes = []shape{
	{"(((", ")))"},
	{"((", "))"},
	{"([", "])"},
	{"[[", "]]"},
	{"[(", ")]"},
	{"{{", "}}"},
	{"[", "]"},
	{"(", ")"},
	{"{", "}"},
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func quoteLineLabels(line string) string {
	var sb strings.Builder

	for i := 0; i < len(line); {
		c := line[i]

		switch {
		case c == '"':
			end := strings.IndexByte(line[i+1:], '"')
			if end < 0 {
				sb.WriteString(line[i:])

				return sb.String()
			}

			sb.WriteString(line[i : i+end+2])
			i += end + 2
		case c == '|':
			end := strings.IndexByte(line[i+1:], '|')
			if end < 0 {
				sb.WriteString(line[i:])

				return sb.String()
			}

			sb.WriteString(line[i : i+end+2])
			i += end + 2
		case isIdentChar(c) && (i == 0 || !isIdentChar(line[i-1])):
			j := i
			for j < len(line) && isIdentChar(line[j]) {
				j++
			}

			sb.WriteString(line[i:j])

			consumed, text := quoteShape(line[j:])
			sb.WriteString(text)
			i = j + consumed
		default:
			sb.WriteByte(c)
			i++
		}
	}

	return sb.String()
}

// quoteShape inspects rest, the text right after a node identifier. When it
// opens a shape, the shape is returned with its label quoted if needed.
func quoteShape(rest string) (int, string) {
	for _, sh := range shapes {
		if !strings.HasPrefix(rest, sh.open) {
			continue
		}

		end := closingIndex(rest, sh)
		if end < 0 {
			return 0, ""
		}

		label := rest[len(sh.open):end]
		consumed := end + len(sh.close)

		if isQuoted(label) || !strings.ContainsAny(label, reservedLabelChars) {
			return consumed, rest[:consumed]
		}

		return consumed, sh.open + `"` + labelEntities.Replace(label) + `"` + sh.close
	}

	return 0, ""
}

// closingIndex finds the closer of sh in s, tracking nesting of the outer
// bracket so labels such as `A[list[int]]` resolve to the last bracket.
func closingIndex(s string, sh shape) int {
	openCh, closeCh := sh.open[0], sh.close[len(sh.close)-1]
	depth, innerClose := 0, -1

	for i := len(sh.open); i < len(s); i++ {
		switch s[i] {
		case '"':
			if end := strings.IndexByte(s[i+1:], '"'); end >= 0 {
				i += end + 1
			}
		case openCh:
			depth++
		case closeCh:
			start := i - len(sh.close) + 1
			if depth == 0 && start >= len(sh.open) && start > innerClose && s[start:i+1] == sh.close {
				return start
			}

			if depth > 0 {
				depth--
				innerClose = i
			}
		}
	}

	return -1
}

func isQuoted(label string) bool {
	return len(label) >= 2 && label[0] == '"' && label[len(label)-1] == '"'
}

// collapseQuotes removes doubled quotes and double-escaped entities.
func collapseQuotes(lines []string) []string {
	for i, line := range lines {
		line = doubledOpenQuote.ReplaceAllString(line, `$1"$2`)
		line = doubledCloseQuote.ReplaceAllString(line, `$1"$2`)
		lines[i] = doubleEscapedAmp.ReplaceAllString(line, "&$1;")
	}

	return lines
}

// collapseBlankLines joins lines, shrinking runs of three or more blank lines
// to a single one. Non-empty output ends with exactly one newline.
func collapseBlankLines(lines []string) string {
	var (
		sb    strings.Builder
		blank int
	)

	flushBlank := func() {
		switch {
		case blank >= 3:
			sb.WriteByte('\n')
		default:
			for range blank {
				sb.WriteByte('\n')
			}
		}

		blank = 0
	}

	for _, line := range lines {
		if line == "" {
			blank++

			continue
		}

		if sb.Len() > 0 {
			flushBlank()
		} else {
			blank = 0
		}

		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	return sb.String()
}
