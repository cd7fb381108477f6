// Package item defines the unit of input for diagram generation: a discovered
// source artifact with its content and estimated capacity cost.
package item

// Item is a discovered source artifact. Items are values; every transform
// returns a copy and the loaded content is never modified.
type Item struct {
	// Path is the item identity, a slash-separated path relative to the discovery root.
	Path string `json:"path"`

	// Content is the raw text content. It is never persisted in checkpoints.
	Content string `json:"-"`

	// Size is the content size in bytes.
	Size int64 `json:"size"`

	// Type is the content-type tag (lowercase extension or detected language).
	Type string `json:"type"`

	// Weight is the estimated capacity cost of Content.
	Weight int `json:"weight"`
}

// TotalWeight sums the weights of the given items.
func TotalWeight(items []Item) int {
	total := 0

	for _, it := range items {
		total += it.Weight
	}

	return total
}
