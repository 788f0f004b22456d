package analytics

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"livefeed/pkg/model"
)

const (
	anomalyThreshold = 2.5
	// baselineCap bounds the deviation reported when the unflagged points
	// are flat.
	baselineCap = 100.0
)

// Metric series names used by DetectAnomalies.
const (
	MetricCycleUsage = "cycle_usage"
	MetricErrorRate  = "error_rate"
	MetricThroughput = "throughput"
)

var metricTitles = map[string]string{
	MetricCycleUsage: "Total Cycle Usage",
	MetricErrorRate:  "Error Rate",
	MetricThroughput: "Transaction Throughput",
}

var possibleCauses = map[string]map[model.AnomalyKind][]string{
	MetricCycleUsage: {
		model.AnomalySpike: {"Increased transaction volume", "Code inefficiency", "Complex operations", "Memory leaks"},
		model.AnomalyDrop:  {"Reduced activity", "Optimization improvements", "System maintenance", "User behavior change"},
	},
	MetricErrorRate: {
		model.AnomalySpike: {"Network issues", "Code bugs", "Resource constraints", "External service failures"},
		model.AnomalyDrop:  {"Bug fixes", "Improved error handling", "System stability improvements", "Better validation"},
	},
	MetricThroughput: {
		model.AnomalySpike: {"Increased demand", "Performance improvements", "Scaling optimizations", "Caching effectiveness"},
		model.AnomalyDrop:  {"System overload", "Resource constraints", "Network issues", "Code inefficiencies"},
	},
}

var anomalyRecommendations = map[string]map[model.AnomalyKind][]string{
	MetricCycleUsage: {
		model.AnomalySpike: {"Review recent code changes", "Optimize expensive operations", "Check for memory leaks", "Monitor transaction patterns"},
		model.AnomalyDrop:  {"Verify system functionality", "Check for reduced user activity", "Confirm optimization effectiveness"},
	},
	MetricErrorRate: {
		model.AnomalySpike: {"Investigate error logs", "Check system resources", "Review recent deployments", "Monitor external dependencies"},
		model.AnomalyDrop:  {"Document improvements made", "Continue monitoring", "Share best practices"},
	},
	MetricThroughput: {
		model.AnomalySpike: {"Monitor resource usage", "Prepare for sustained load", "Check system capacity"},
		model.AnomalyDrop:  {"Investigate performance bottlenecks", "Check resource availability", "Review system health"},
	},
}

func lookup(table map[string]map[model.AnomalyKind][]string, metric string, kind model.AnomalyKind, fallback string) []string {
	if v, ok := table[metric][kind]; ok {
		return append([]string(nil), v...)
	}
	return []string{fallback}
}

// DetectSeriesAnomalies flags points more than 2.5 sample standard
// deviations from the series mean. Fewer than five points or a flat series
// give nothing.
//
// A single outlier inflates the standard deviation it is measured against,
// so severity and the reported deviation take the larger of the full-series
// z-score and the z-score against the remaining points.
func (e *Engine) DetectSeriesAnomalies(values []float64, metric string) []model.Anomaly {
	if len(values) < 5 {
		return nil
	}
	mean, sd := Mean(values), StdDev(values)
	if sd == 0 {
		return nil
	}
	var flagged []int
	for i, v := range values {
		if math.Abs(v-mean)/sd > anomalyThreshold {
			flagged = append(flagged, i)
		}
	}
	if len(flagged) == 0 {
		return nil
	}
	base := baselineOf(values, flagged)
	baseMean, baseSD := Mean(base), StdDev(base)

	title := metricTitles[metric]
	if title == "" {
		title = metric
	}
	now := e.now()
	out := make([]model.Anomaly, 0, len(flagged))
	for _, i := range flagged {
		v := values[i]
		z := math.Abs(v-mean) / sd
		bz := baselineCap
		if baseSD > 0 {
			bz = math.Min(baselineCap, math.Abs(v-baseMean)/baseSD)
		}
		dev := math.Max(z, bz)
		kind := model.AnomalyDrop
		if v > mean {
			kind = model.AnomalySpike
		}
		sev := severity(dev)
		out = append(out, model.Anomaly{
			ID:              uuid.NewString(),
			Timestamp:       now,
			Kind:            kind,
			Metric:          metric,
			Index:           i,
			Observed:        v,
			Expected:        baseMean,
			Deviation:       dev,
			Severity:        sev,
			Description:     fmt.Sprintf("%s %s detected: %.2f (expected ~%.2f)", title, kind, v, baseMean),
			PossibleCauses:  lookup(possibleCauses, metric, kind, "Unknown cause"),
			Recommendations: lookup(anomalyRecommendations, metric, kind, "Monitor closely and investigate"),
		})
		e.rec.Anomaly(sev)
	}
	return out
}

func baselineOf(values []float64, flagged []int) []float64 {
	skip := make(map[int]bool, len(flagged))
	for _, i := range flagged {
		skip[i] = true
	}
	out := make([]float64, 0, len(values)-len(flagged))
	for i, v := range values {
		if !skip[i] {
			out = append(out, v)
		}
	}
	return out
}

func severity(dev float64) string {
	switch {
	case dev > 4:
		return model.SeverityCritical
	case dev > 3:
		return model.SeverityHigh
	case dev > anomalyThreshold:
		return model.SeverityMedium
	}
	return model.SeverityLow
}

// DetectAnomalies scans cycle usage, error rate and throughput across
// snapshots (oldest first) and returns the findings sorted by deviation,
// largest first. Fewer than ten snapshots give nothing.
func (e *Engine) DetectAnomalies(snapshots []model.MetricsSnapshot) []model.Anomaly {
	if len(snapshots) < 10 {
		return nil
	}
	cycles := make([]float64, len(snapshots))
	errRates := make([]float64, len(snapshots))
	throughput := make([]float64, len(snapshots))
	for i, s := range snapshots {
		cycles[i] = float64(s.TotalCyclesUsed)
		errRates[i] = s.ErrorRate()
		throughput[i] = float64(s.TotalTransactions)
	}
	var out []model.Anomaly
	out = append(out, e.DetectSeriesAnomalies(cycles, MetricCycleUsage)...)
	out = append(out, e.DetectSeriesAnomalies(errRates, MetricErrorRate)...)
	out = append(out, e.DetectSeriesAnomalies(throughput, MetricThroughput)...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Deviation > out[j].Deviation })
	if len(out) > 0 {
		e.log.WithField("count", len(out)).Debug("anomalies detected")
	}
	return out
}
