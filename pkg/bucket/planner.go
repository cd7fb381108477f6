// Package bucket groups weighted items into capacity-bounded buckets for
// sequential generation.
package bucket

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/Sumatoshi-tech/archgen/pkg/item"
	"github.com/Sumatoshi-tech/archgen/pkg/safeconv"
)

// Default planner limits, in weight units (estimated tokens).
const (
	DefaultTargetCapacity = 100000
	DefaultSoftThreshold  = 0.9
	DefaultHardCeiling    = 180000
)

// percent converts ratios to percentages.
const percent = 100

// Bucket is a group of items processed together by one generator call.
type Bucket struct {
	Items  []item.Item `json:"items"`
	Weight int         `json:"weight"`

	// Summary and Fragment are attached after generation.
	Summary  string `json:"summary,omitempty"`
	Fragment string `json:"fragment,omitempty"`
}

// Len returns the number of items in the bucket.
func (b *Bucket) Len() int {
	return len(b.Items)
}

// Paths returns the item identities in bucket order.
func (b *Bucket) Paths() []string {
	paths := make([]string, len(b.Items))
	for i, it := range b.Items {
		paths[i] = it.Path
	}

	return paths
}

func (b *Bucket) add(it item.Item) {
	b.Items = append(b.Items, it)
	b.Weight += it.Weight
}

// SkipRecord reports an item that could not be placed in any bucket.
type SkipRecord struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Weight int    `json:"weight"`
	Reason string `json:"reason"`
}

// Limits are the capacity settings of a Planner.
type Limits struct {
	// TargetCapacity is the nominal bucket capacity.
	TargetCapacity int `json:"target_capacity" yaml:"target_capacity"`

	// SoftThreshold is the fraction of TargetCapacity at which a bucket is closed early.
	SoftThreshold float64 `json:"soft_threshold" yaml:"soft_threshold"`

	// HardCeiling is the absolute maximum for a bucket and for a single item.
	HardCeiling int `json:"hard_ceiling" yaml:"hard_ceiling"`
}

// DefaultLimits returns the default planner limits.
func DefaultLimits() Limits {
	return Limits{
		TargetCapacity: DefaultTargetCapacity,
		SoftThreshold:  DefaultSoftThreshold,
		HardCeiling:    DefaultHardCeiling,
	}
}

// softLimit is the weight at which the current bucket closes.
func (l Limits) softLimit() float64 {
	return l.SoftThreshold * float64(l.TargetCapacity)
}

// Planner creates and reshapes buckets. It keeps the skip list of the last
// CreateBuckets calls until ClearSkipped. A Planner is not safe for concurrent use.
type Planner struct {
	limits  Limits
	skipped []SkipRecord
	logger  *slog.Logger
}

// NewPlanner creates a planner with the given limits. Zero fields take
// defaults. A target capacity above the hard ceiling is lowered to it.
func NewPlanner(limits Limits) *Planner {
	def := DefaultLimits()

	if limits.TargetCapacity <= 0 {
		limits.TargetCapacity = def.TargetCapacity
	}

	if limits.SoftThreshold <= 0 {
		limits.SoftThreshold = def.SoftThreshold
	}

	if limits.HardCeiling <= 0 {
		limits.HardCeiling = max(def.HardCeiling, limits.TargetCapacity)
	}

	// Buckets are packed against the target, so it may not exceed the ceiling.
	limits.TargetCapacity = min(limits.TargetCapacity, limits.HardCeiling)

	return &Planner{limits: limits, logger: slog.Default()}
}

// WithLogger sets the logger used to report skipped items.
func (p *Planner) WithLogger(logger *slog.Logger) *Planner {
	if logger != nil {
		p.logger = logger
	}

	return p
}

// Limits returns the effective limits.
func (p *Planner) Limits() Limits {
	return p.limits
}

// CreateBuckets packs items largest-first. Items heavier than the hard ceiling are
// recorded in the skip list instead of being placed. Every other item lands in
// exactly one bucket and no bucket exceeds the hard ceiling.
func (p *Planner) CreateBuckets(items []item.Item) []*Bucket {
	sorted := sortedByWeight(items)
	soft := p.limits.softLimit()

	var (
		buckets []*Bucket
		current = &Bucket{}
	)

	for _, it := range sorted {
		if it.Weight > p.limits.HardCeiling {
			p.skip(it)

			continue
		}

		next := current.Weight + it.Weight
		if current.Len() > 0 && (next > p.limits.HardCeiling || float64(next) > soft) {
			buckets = append(buckets, current)
			current = &Bucket{}
		}

		current.add(it)
	}

	if current.Len() > 0 {
		buckets = append(buckets, current)
	}

	return buckets
}

func (p *Planner) skip(it item.Item) {
	rec := SkipRecord{
		Path:   it.Path,
		Size:   it.Size,
		Weight: it.Weight,
		Reason: fmt.Sprintf("exceeds hard limit of %d (estimated: %d)", p.limits.HardCeiling, it.Weight),
	}

	p.skipped = append(p.skipped, rec)
	p.logger.Warn("skipping oversized item", "path", it.Path, "weight", it.Weight, "hard_ceiling", p.limits.HardCeiling)
}

// IsBucketReady reports whether the bucket reached the soft threshold.
func (p *Planner) IsBucketReady(b *Bucket) bool {
	return float64(b.Weight) >= p.limits.softLimit()
}

// IsBucketAtCapacity reports whether the bucket reached the target capacity.
func (p *Planner) IsBucketAtCapacity(b *Bucket) bool {
	return b.Weight >= p.limits.TargetCapacity
}

// Utilization returns the bucket weight as a percentage of the target capacity.
func (p *Planner) Utilization(b *Bucket) float64 {
	return float64(b.Weight) / float64(p.limits.TargetCapacity) * percent
}

// Skipped returns a copy of the skip list.
func (p *Planner) Skipped() []SkipRecord {
	return slices.Clone(p.skipped)
}

// SkippedSummary renders the skip list as a human-readable report.
// It returns an empty string when nothing was skipped.
func (p *Planner) SkippedSummary() string {
	return SkipReport(p.skipped)
}

// ClearSkipped empties the skip list.
func (p *Planner) ClearSkipped() {
	p.skipped = nil
}

// SkipReport renders skip records as a multi-line report.
func SkipReport(records []SkipRecord) string {
	if len(records) == 0 {
		return ""
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "%d item(s) skipped:\n", len(records))

	for _, rec := range records {
		fmt.Fprintf(&sb, "  - %s (%s): %s\n", rec.Path, humanize.Bytes(safeconv.ToUint64(rec.Size)), rec.Reason)
	}

	return sb.String()
}

// sortedByWeight returns a copy of items ordered by descending weight. Ties keep
// path order so plans are reproducible.
func sortedByWeight(items []item.Item) []item.Item {
	sorted := slices.Clone(items)

	slices.SortStableFunc(sorted, func(a, b item.Item) int {
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}

		return cmp.Compare(a.Path, b.Path)
	})

	return sorted
}
