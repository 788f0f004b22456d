package analytics

import (
	"math"
	"sort"
)

// SlopeThreshold separates increasing/decreasing series from stable ones.
const SlopeThreshold = 0.1

func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// SampleVariance uses the n-1 denominator; fewer than two values give 0.
func SampleVariance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs)-1)
}

func StdDev(xs []float64) float64 { return math.Sqrt(SampleVariance(xs)) }

// Percentile sorts a copy of values and picks index ceil(p/100*n)-1,
// clamped to the slice. Empty input gives 0.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// LinearSlope is the least squares slope of values against their index.
func LinearSlope(values []float64) float64 {
	n := float64(len(values))
	if len(values) < 2 {
		return 0
	}
	sumX := n * (n - 1) / 2
	sumX2 := n * (n - 1) * (2*n - 1) / 6
	var sumY, sumXY float64
	for i, v := range values {
		sumY += v
		sumXY += float64(i) * v
	}
	return (n*sumXY - sumX*sumY) / (n*sumX2 - sumX*sumX)
}

// ClassifySlope maps a slope to increasing, decreasing or stable.
func ClassifySlope(slope, threshold float64) string {
	switch {
	case slope > threshold:
		return "increasing"
	case slope < -threshold:
		return "decreasing"
	default:
		return "stable"
	}
}

// PercentChange is (cur-prev)/prev*100; a zero baseline gives 0 or 100.
func PercentChange(prev, cur float64) float64 {
	if prev == 0 {
		if cur == 0 {
			return 0
		}
		return 100
	}
	return (cur - prev) / prev * 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
