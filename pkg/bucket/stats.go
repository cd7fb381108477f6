package bucket

// Statistics summarizes a bucket plan.
type Statistics struct {
	Count              int     `json:"count" yaml:"count"`
	TotalItems         int     `json:"total_items" yaml:"total_items"`
	TotalWeight        int     `json:"total_weight" yaml:"total_weight"`
	AvgWeightPerBucket float64 `json:"avg_weight_per_bucket" yaml:"avg_weight_per_bucket"`
	AvgItemsPerBucket  float64 `json:"avg_items_per_bucket" yaml:"avg_items_per_bucket"`
	UtilizationRate    float64 `json:"utilization_rate" yaml:"utilization_rate"`
}

// Statistics computes plan statistics. All fields are zero for an empty plan.
func (p *Planner) Statistics(buckets []*Bucket) Statistics {
	if len(buckets) == 0 {
		return Statistics{}
	}

	var stats Statistics

	stats.Count = len(buckets)

	for _, b := range buckets {
		stats.TotalItems += b.Len()
		stats.TotalWeight += b.Weight
	}

	count := float64(stats.Count)
	stats.AvgWeightPerBucket = float64(stats.TotalWeight) / count
	stats.AvgItemsPerBucket = float64(stats.TotalItems) / count
	stats.UtilizationRate = float64(stats.TotalWeight) / (count * float64(p.limits.TargetCapacity)) * percent

	return stats
}
