// Package state persists accumulation progress so an interrupted run can be
// resumed without repeating completed generator calls.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/Sumatoshi-tech/archgen/pkg/bucket"
	"github.com/Sumatoshi-tech/archgen/pkg/item"
)

// CheckpointVersion is the current checkpoint format version.
const CheckpointVersion = 1

// Sentinel errors for checkpoint loading and validation.
var (
	ErrRootMismatch      = errors.New("root mismatch")
	ErrPlanMismatch      = errors.New("plan mismatch")
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
	ErrVersionMismatch   = errors.New("checkpoint version mismatch")
)

// ProcessingState is the progress of one accumulation run.
type ProcessingState struct {
	// CurrentBucket counts completed buckets and is the index of the next one to run.
	CurrentBucket      int      `json:"current_bucket"`
	TotalBuckets       int      `json:"total_buckets"`
	ProcessedItems     int      `json:"processed_items"`
	TotalItems         int      `json:"total_items"`
	AccumulatedSummary string   `json:"accumulated_summary"`
	AccumulatedDiagram string   `json:"accumulated_diagram"`
	Fragments          []string `json:"fragments,omitempty"`
	DiagramKind        string   `json:"diagram_kind,omitempty"`
}

// Done reports whether every bucket has been processed.
func (s *ProcessingState) Done() bool {
	return s.CurrentBucket >= s.TotalBuckets
}

// Clone returns a deep copy of s.
func (s *ProcessingState) Clone() *ProcessingState {
	out := *s
	out.Fragments = slices.Clone(s.Fragments)

	return &out
}

// PlanFingerprint identifies the planner settings a checkpoint was made with.
// Resuming with different settings would produce a different bucket plan.
type PlanFingerprint struct {
	TargetCapacity int     `json:"target_capacity"`
	SoftThreshold  float64 `json:"soft_threshold"`
	HardCeiling    int     `json:"hard_ceiling"`
	CharsPerToken  int     `json:"chars_per_token"`
}

// Fingerprint builds a PlanFingerprint from planner limits and the estimator ratio.
func Fingerprint(limits bucket.Limits, charsPerToken int) PlanFingerprint {
	return PlanFingerprint{
		TargetCapacity: limits.TargetCapacity,
		SoftThreshold:  limits.SoftThreshold,
		HardCeiling:    limits.HardCeiling,
		CharsPerToken:  charsPerToken,
	}
}

// ItemRecord is the content-free description of an item inside a checkpoint.
type ItemRecord struct {
	Identity string `json:"identity"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	Weight   int    `json:"weight"`
}

// BucketRecord is the persisted form of a bucket.
type BucketRecord struct {
	Items           []ItemRecord `json:"items"`
	Weight          int          `json:"weight"`
	Summary         string       `json:"summary,omitempty"`
	DiagramFragment string       `json:"diagram_fragment,omitempty"`
}

// Checkpoint is the durable record written after each completed bucket.
type Checkpoint struct {
	Version   int             `json:"version"`
	RunID     string          `json:"run_id"`
	Root      string          `json:"root"`
	Plan      PlanFingerprint `json:"plan"`
	State     ProcessingState `json:"state"`
	Buckets   []BucketRecord  `json:"buckets"`
	Timestamp time.Time       `json:"timestamp"`
}

// Restored is a checkpoint rehydrated with fresh item content.
type Restored struct {
	Checkpoint *Checkpoint
	State      *ProcessingState
	Buckets    []*bucket.Bucket
	Warnings   []string
}

// ItemReader re-reads an item by identity during restore.
type ItemReader interface {
	Read(ctx context.Context, path string) (item.Item, error)
}

// Validate checks that cp was written for root with the same plan settings.
func Validate(cp *Checkpoint, root string, plan PlanFingerprint) error {
	if cp.Version != CheckpointVersion {
		return fmt.Errorf("%w: checkpoint has %d, want %d", ErrVersionMismatch, cp.Version, CheckpointVersion)
	}

	if cp.Root != root {
		return fmt.Errorf("%w: checkpoint has %q, got %q", ErrRootMismatch, cp.Root, root)
	}

	if cp.Plan != plan {
		return fmt.Errorf("%w: checkpoint has %+v, got %+v", ErrPlanMismatch, cp.Plan, plan)
	}

	return nil
}

// RunKey computes a short hash of the root path for use as a directory name.
func RunKey(root string) string {
	h := sha256.Sum256([]byte(root))

	return hex.EncodeToString(h[:8]) // First 8 bytes = 16 hex chars.
}

// DefaultDir returns the default state directory (~/.archgen/state).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".archgen", "state")
}

// recordBuckets converts buckets into their content-free records.
func recordBuckets(buckets []*bucket.Bucket) []BucketRecord {
	records := make([]BucketRecord, len(buckets))

	for i, b := range buckets {
		items := make([]ItemRecord, len(b.Items))
		for j, it := range b.Items {
			items[j] = ItemRecord{Identity: it.Path, Size: it.Size, Type: it.Type, Weight: it.Weight}
		}

		records[i] = BucketRecord{
			Items:           items,
			Weight:          b.Weight,
			Summary:         b.Summary,
			DiagramFragment: b.Fragment,
		}
	}

	return records
}

// restoreBuckets re-reads every recorded item. Unreadable items are dropped
// with a warning and bucket weights are recomputed from the survivors.
func restoreBuckets(ctx context.Context, records []BucketRecord, reader ItemReader) ([]*bucket.Bucket, []string) {
	var warnings []string

	buckets := make([]*bucket.Bucket, len(records))

	for i, rec := range records {
		b := &bucket.Bucket{Summary: rec.Summary, Fragment: rec.DiagramFragment}

		for _, ir := range rec.Items {
			it, err := reader.Read(ctx, ir.Identity)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("bucket %d: dropped %s: %v", i, ir.Identity, err))

				continue
			}

			it.Path = ir.Identity
			it.Type = ir.Type
			it.Weight = ir.Weight

			b.Items = append(b.Items, it)
			b.Weight += ir.Weight
		}

		buckets[i] = b
	}

	return buckets, warnings
}
