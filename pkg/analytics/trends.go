package analytics

import "livefeed/pkg/model"

// MetricTrend compares the latest snapshot with the one before it.
type MetricTrend struct {
	Current          float64 `json:"current"`
	Previous         float64 `json:"previous"`
	ChangePercentage float64 `json:"changePercentage"`
	// Trend is improving/declining/stable for metrics with a better
	// direction and increasing/decreasing/stable for volume figures.
	Trend       string  `json:"trend"`
	IsImproving bool    `json:"isImproving"`
	Slope       float64 `json:"slope"`     // over the whole series
	Direction   string  `json:"direction"` // ClassifySlope of Slope
}

type Trends struct {
	ResponseTime      MetricTrend `json:"responseTime"`
	TransactionVolume MetricTrend `json:"transactionVolume"`
	ErrorRate         MetricTrend `json:"errorRate"`
	Revenue           MetricTrend `json:"revenue"`
	CycleConsumption  MetricTrend `json:"cycleConsumption"`
}

type trendSense int

const (
	higherIsBetter trendSense = iota
	lowerIsBetter
	// cost figures: lower is better but labelled by direction
	lowerIsCheaper
)

// AnalyzeTrends expects snapshots oldest first. Fewer than two give
// stable trends with zero change.
func AnalyzeTrends(snapshots []model.MetricsSnapshot) Trends {
	series := func(f func(model.MetricsSnapshot) float64) []float64 {
		out := make([]float64, len(snapshots))
		for i, s := range snapshots {
			out[i] = f(s)
		}
		return out
	}
	return Trends{
		ResponseTime:      metricTrend(series(func(s model.MetricsSnapshot) float64 { return s.AverageResponseTime }), lowerIsBetter),
		TransactionVolume: metricTrend(series(func(s model.MetricsSnapshot) float64 { return float64(s.TotalTransactions) }), higherIsBetter),
		ErrorRate:         metricTrend(series(func(s model.MetricsSnapshot) float64 { return s.ErrorRate() }), lowerIsBetter),
		Revenue:           metricTrend(series(func(s model.MetricsSnapshot) float64 { return s.Revenue.InexactFloat64() }), higherIsBetter),
		CycleConsumption:  metricTrend(series(func(s model.MetricsSnapshot) float64 { return float64(s.TotalCyclesUsed) }), lowerIsCheaper),
	}
}

func metricTrend(values []float64, sense trendSense) MetricTrend {
	t := MetricTrend{Trend: "stable", Direction: "stable"}
	if len(values) == 0 {
		return t
	}
	t.Current = values[len(values)-1]
	t.Previous = t.Current
	if len(values) < 2 {
		return t
	}
	t.Previous = values[len(values)-2]
	t.ChangePercentage = PercentChange(t.Previous, t.Current)
	t.Slope = LinearSlope(values)
	t.Direction = ClassifySlope(t.Slope, SlopeThreshold)

	rising, falling := t.Current > t.Previous, t.Current < t.Previous
	switch sense {
	case higherIsBetter:
		t.IsImproving = rising
		t.Trend = label(rising, falling, "improving", "declining")
	case lowerIsBetter:
		t.IsImproving = falling
		t.Trend = label(falling, rising, "improving", "declining")
	case lowerIsCheaper:
		t.IsImproving = falling
		t.Trend = label(rising, falling, "increasing", "decreasing")
	}
	return t
}

func label(up, down bool, upLabel, downLabel string) string {
	switch {
	case up:
		return upLabel
	case down:
		return downLabel
	}
	return "stable"
}
