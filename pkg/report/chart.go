package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/Sumatoshi-tech/archgen/pkg/bucket"
)

const (
	chartWidth  = "100%"
	chartHeight = "500px"
	chartTitle  = "Bucket utilization"
	xAxisRotate = 45

	colorUnder = "#fac858"
	colorGood  = "#91cc75"
	colorOver  = "#ee6666"
)

// RenderUtilizationChart writes an HTML bar chart of per-bucket utilization
// against the target capacity given in limits.
func RenderUtilizationChart(w io.Writer, buckets []*bucket.Bucket, limits bucket.Limits) error {
	planner := bucket.NewPlanner(limits)
	limits = planner.Limits()

	labels := make([]string, len(buckets))
	data := make([]opts.BarData, len(buckets))

	for i, b := range buckets {
		util := planner.Utilization(b)

		labels[i] = fmt.Sprintf("#%d", i)
		data[i] = opts.BarData{
			Name:      fmt.Sprintf("bucket %d (%d items)", i, b.Len()),
			Value:     fmt.Sprintf("%.1f", util),
			ItemStyle: &opts.ItemStyle{Color: utilizationColor(util, limits.SoftThreshold)},
		}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: chartTitle,
			Width:     chartWidth,
			Height:    chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    chartTitle,
			Subtitle: fmt.Sprintf("target capacity %d", limits.TargetCapacity),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			AxisLabel: &opts.AxisLabel{Rotate: xAxisRotate, Interval: "0"},
		}),
		charts.WithYAxisOpts(opts.YAxis{Name: "% of target"}),
	)

	bar.SetXAxis(labels)
	bar.AddSeries("Utilization", data)

	err := bar.Render(w)
	if err != nil {
		return fmt.Errorf("render chart: %w", err)
	}

	return nil
}

// utilizationColor picks a bar color: below the soft threshold, within the
// target, or over it.
func utilizationColor(util, softThreshold float64) string {
	switch {
	case util < softThreshold*100:
		return colorUnder
	case util <= 100:
		return colorGood
	default:
		return colorOver
	}
}
