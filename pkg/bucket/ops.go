package bucket

import (
	"slices"

	"github.com/Sumatoshi-tech/archgen/pkg/item"
)

// Utilization bands used by Optimize.
const (
	underUtilized = 50.0
	overUtilized  = 100.0
)

// AddItem adds it to b when the result stays within the target capacity.
// It reports whether the item was added; b is unchanged otherwise.
func (p *Planner) AddItem(b *Bucket, it item.Item) bool {
	if b.Weight+it.Weight > p.limits.TargetCapacity {
		return false
	}

	b.add(it)

	return true
}

// RemoveItem removes the item with the given path from b and reports whether it was found.
func (p *Planner) RemoveItem(b *Bucket, path string) bool {
	idx := slices.IndexFunc(b.Items, func(it item.Item) bool { return it.Path == path })
	if idx < 0 {
		return false
	}

	b.Weight -= b.Items[idx].Weight
	b.Items = slices.Delete(b.Items, idx, idx+1)

	return true
}

// Split breaks a bucket over the target capacity into buckets that fit, using
// the same largest-first packing with the target capacity as the only limit.
// A bucket within capacity, or one holding a single item, is returned as is.
func (p *Planner) Split(b *Bucket) []*Bucket {
	if b.Weight <= p.limits.TargetCapacity || b.Len() < 2 {
		return []*Bucket{b}
	}

	var (
		out     []*Bucket
		current = &Bucket{}
	)

	for _, it := range sortedByWeight(b.Items) {
		if current.Len() > 0 && current.Weight+it.Weight > p.limits.TargetCapacity {
			out = append(out, current)
			current = &Bucket{}
		}

		current.add(it)
	}

	if current.Len() > 0 {
		out = append(out, current)
	}

	return out
}

// Merge combines two buckets into a new one when their total weight fits the
// target capacity. It returns nil otherwise. Neither input is modified.
func (p *Planner) Merge(a, b *Bucket) *Bucket {
	if a.Weight+b.Weight > p.limits.TargetCapacity {
		return nil
	}

	items := make([]item.Item, 0, a.Len()+b.Len())
	items = append(items, a.Items...)
	items = append(items, b.Items...)

	return &Bucket{Items: items, Weight: a.Weight + b.Weight}
}

// Optimize splits over-utilized buckets and merges under-utilized ones pairwise.
// Nominal buckets come first in input order, then split results, then merge
// results and leftovers.
func (p *Planner) Optimize(buckets []*Bucket) []*Bucket {
	var nominal, over, under []*Bucket

	for _, b := range buckets {
		util := p.Utilization(b)

		switch {
		case util < underUtilized:
			under = append(under, b)
		case util > overUtilized:
			over = append(over, b)
		default:
			nominal = append(nominal, b)
		}
	}

	out := make([]*Bucket, 0, len(buckets))
	out = append(out, nominal...)

	for _, b := range over {
		out = append(out, p.Split(b)...)
	}

	pool := under
	for len(pool) >= 2 {
		first, second := pool[0], pool[1]
		pool = pool[2:]

		merged := p.Merge(first, second)
		if merged == nil {
			out = append(out, first, second)

			continue
		}

		pool = append(pool, merged)
	}

	return append(out, pool...)
}
