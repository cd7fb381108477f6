package diagram

import (
	"fmt"
	"regexp"
	"strings"
)

// Validation warning messages.
const (
	WarnEmpty   = "diagram is empty"
	WarnNoKind  = "diagram has no recognized type keyword"
	warnBracket = "unbalanced %s%s brackets: %d opening, %d closing"
)

// erCardinality matches entity-relationship connectors, whose braces are not brackets.
var erCardinality = regexp.MustCompile(`[|}o]{1,2}(?:--|\.\.)[|o{]{1,2}`)

// bracketPairs are checked in this order so warnings are stable.
var bracketPairs = [...][2]byte{{'[', ']'}, {'(', ')'}, {'{', '}'}}

// Validate performs lightweight structural checks and returns human-readable
// warnings. A nil result means no problem was found. Comment lines and quoted
// labels are ignored by the bracket check.
func Validate(text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{WarnEmpty}
	}

	var warnings []string

	if Kind(text) == "" {
		warnings = append(warnings, WarnNoKind)
	}

	var counts [len(bracketPairs)][2]int

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(trimmed) {
			continue
		}

		trimmed = quotedPattern.ReplaceAllString(trimmed, `""`)
		trimmed = erCardinality.ReplaceAllString(trimmed, "--")

		for i := range len(trimmed) {
			for p, pair := range bracketPairs {
				switch trimmed[i] {
				case pair[0]:
					counts[p][0]++
				case pair[1]:
					counts[p][1]++
				}
			}
		}
	}

	for p, pair := range bracketPairs {
		if counts[p][0] != counts[p][1] {
			warnings = append(warnings, fmt.Sprintf(warnBracket, string(pair[0]), string(pair[1]), counts[p][0], counts[p][1]))
		}
	}

	return warnings
}
