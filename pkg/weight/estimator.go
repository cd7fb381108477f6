// Package weight estimates the capacity cost of item content in model tokens.
package weight

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Sumatoshi-tech/archgen/pkg/item"
)

// DefaultCharsPerToken is the default token ratio: one token per four characters.
const DefaultCharsPerToken = 4

// punctuationCost is the extra cost added for every structural punctuation character.
const punctuationCost = 0.5

// minWeight is the smallest weight returned for any content, including empty content.
const minWeight = 1

// commentPrefixes are the leading tokens that mark a line as comment-only.
var commentPrefixes = []string{"//", "#", "/*", "*/", "*", "<!--", "-->", "--", ";;", `"""`}

// delimiters split a line into word-like tokens in addition to whitespace.
const delimiters = "()[]{}<>\"'`"

// structural characters add punctuationCost per occurrence.
const structural = "{}[]();,.:=<>"

// densities rescale raw estimates for formats that tokenize denser than source code.
var densities = map[string]float64{
	"json":  1.3,
	"yaml":  1.25,
	"yml":   1.25,
	"xml":   1.4,
	"html":  1.3,
	"htm":   1.3,
	"svg":   1.5,
	"toml":  1.15,
	"ini":   1.15,
	"csv":   1.2,
	"sql":   1.1,
	"proto": 1.1,
}

// Estimator computes item weights. It is stateless apart from its ratio and
// safe for concurrent use.
type Estimator struct {
	ratio int
}

// NewEstimator creates an Estimator with the given characters-per-token ratio.
// A non-positive ratio falls back to DefaultCharsPerToken.
func NewEstimator(ratio int) *Estimator {
	if ratio <= 0 {
		ratio = DefaultCharsPerToken
	}

	return &Estimator{ratio: ratio}
}

// Ratio returns the characters-per-token ratio in use.
func (e *Estimator) Ratio() int {
	return e.ratio
}

// Estimate returns the raw weight of content. The result is at least 1.
func (e *Estimator) Estimate(content string) int {
	total := 0.0

	for line := range strings.Lines(content) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(trimmed) {
			continue
		}

		for _, tok := range strings.FieldsFunc(trimmed, isDelimiter) {
			total += float64(ceilDiv(utf8.RuneCountInString(tok), e.ratio))
		}

		for _, r := range trimmed {
			if strings.ContainsRune(structural, r) {
				total += punctuationCost
			}
		}
	}

	return max(minWeight, int(math.Ceil(total)))
}

// Recalculate returns a copy of it with its weight re-estimated from content and
// scaled by the density of its content type.
func (e *Estimator) Recalculate(it item.Item) item.Item {
	raw := float64(e.Estimate(it.Content))
	it.Weight = max(minWeight, int(math.Ceil(raw*Density(it.Type))))

	return it
}

// Density returns the scaling factor for a content-type tag. Unknown types use 1.
func Density(contentType string) float64 {
	if d, ok := densities[strings.ToLower(contentType)]; ok {
		return d
	}

	return 1
}

func isComment(line string) bool {
	for _, prefix := range commentPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}

	return false
}

func isDelimiter(r rune) bool {
	return unicode.IsSpace(r) || strings.ContainsRune(delimiters, r)
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}
