package diagram

import (
	"strings"
)

// Trailer renders an out-of-band comment block that Mermaid ignores: the
// summary followed by extra lines, each prefixed with "%% ". Blank lines become
// bare "%%" lines. An empty summary with no lines yields an empty string.
func Trailer(summary string, lines ...string) string {
	var body []string

	if s := strings.TrimSpace(summary); s != "" {
		body = append(body, strings.Split(s, "\n")...)
	}

	for _, l := range lines {
		body = append(body, strings.Split(strings.TrimRight(l, "\n"), "\n")...)
	}

	if len(body) == 0 {
		return ""
	}

	var sb strings.Builder

	for _, l := range body {
		l = strings.TrimRight(l, " \t\r")
		if l == "" {
			sb.WriteString(commentPrefix + "\n")

			continue
		}

		sb.WriteString(commentPrefix + " " + l + "\n")
	}

	return sb.String()
}

// AppendTrailer joins a diagram body and its trailer with one blank line.
func AppendTrailer(diagram, trailer string) string {
	body := strings.TrimRight(diagram, "\n")
	if trailer == "" {
		return body + "\n"
	}

	return body + "\n\n" + trailer
}
