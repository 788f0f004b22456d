package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"livefeed/pkg/model"
)

// Efficiency summarises cycle spend over a set of transactions.
type Efficiency struct {
	TotalCycles             uint64  `json:"totalCycles"`
	AvgCyclesPerTxn         float64 `json:"avgCyclesPerTxn"`
	AvgCyclesPerInstruction float64 `json:"avgCyclesPerInstruction"`
	WastedCycles            uint64  `json:"wastedCycles"`
	WastePercentage         float64 `json:"wastePercentage"`
}

// CycleEfficiency returns an all-zero result for empty input.
func CycleEfficiency(txs []model.TransactionRecord) Efficiency {
	var eff Efficiency
	if len(txs) == 0 {
		return eff
	}
	var instructions uint64
	for _, tx := range txs {
		eff.TotalCycles += tx.CycleCost
		instructions += tx.InstructionCount
		if tx.Status == model.TxFailed {
			eff.WastedCycles += tx.CycleCost
		}
	}
	eff.AvgCyclesPerTxn = float64(eff.TotalCycles) / float64(len(txs))
	if instructions > 0 {
		eff.AvgCyclesPerInstruction = float64(eff.TotalCycles) / float64(instructions)
	}
	if eff.TotalCycles > 0 {
		eff.WastePercentage = float64(eff.WastedCycles) / float64(eff.TotalCycles) * 100
	}
	return eff
}

// CostBreakdown splits cycle cost by status, canister and method.
type CostBreakdown struct {
	TotalCycles   uint64            `json:"totalCycles"`
	AverageCycles float64           `json:"averageCycles"`
	TotalCost     decimal.Decimal   `json:"totalCost"` // USD
	ByStatus      map[string]uint64 `json:"byStatus"`
	ByCanister    map[string]uint64 `json:"byCanister"`
	// ByOperation is the average cost per call of each method.
	ByOperation map[string]uint64 `json:"byOperation"`
}

func (e *Engine) CostAnalysis(txs []model.TransactionRecord) CostBreakdown {
	out := CostBreakdown{
		ByStatus:    make(map[string]uint64),
		ByCanister:  make(map[string]uint64),
		ByOperation: make(map[string]uint64),
	}
	calls := make(map[string]uint64)
	for _, tx := range txs {
		out.TotalCycles += tx.CycleCost
		out.ByStatus[tx.Status] += tx.CycleCost
		out.ByCanister[tx.CanisterID] += tx.CycleCost
		op := tx.MethodName
		if op == "" {
			op = "unknown"
		}
		out.ByOperation[op] += tx.CycleCost
		calls[op]++
	}
	for op, total := range out.ByOperation {
		out.ByOperation[op] = total / calls[op]
	}
	if len(txs) > 0 {
		out.AverageCycles = float64(out.TotalCycles) / float64(len(txs))
	}
	out.TotalCost = e.cost(out.TotalCycles)
	return out
}

func (e *Engine) cost(cycles uint64) decimal.Decimal {
	return decimal.NewFromUint64(cycles).Mul(e.cyclePrice)
}

// Granularity is the bucket size of CycleTrends.
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
	Week   Granularity = "week"
	Month  Granularity = "month"
)

// TimeRange is an inclusive window over transaction timestamps.
type TimeRange struct {
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Granularity Granularity `json:"granularity"`
}

func (r TimeRange) contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// TrendPrediction extrapolates the next bucket from recent buckets.
type TrendPrediction struct {
	NextValue  uint64  `json:"nextValue"`
	Confidence float64 `json:"confidence"`
	Trend      string  `json:"trend"`
}

// CycleTrend is one time bucket of history.
type CycleTrend struct {
	Bucket        time.Time       `json:"bucket"`
	TotalCycles   uint64          `json:"totalCycles"`
	AverageCycles uint64          `json:"averageCycles"`
	Efficiency    float64         `json:"efficiency"` // cycles per instruction
	Cost          decimal.Decimal `json:"cost"`
	Transactions  int             `json:"transactions"`
	Prediction    TrendPrediction `json:"prediction"`
}

// CycleTrends groups history inside r into buckets, oldest first.
func (e *Engine) CycleTrends(r TimeRange) []CycleTrend {
	groups := make(map[time.Time][]model.TransactionRecord)
	for _, tx := range e.transactionsWhere(func(tx model.TransactionRecord) bool { return r.contains(tx.Timestamp) }) {
		b := bucketStart(tx.Timestamp, r.Granularity)
		groups[b] = append(groups[b], tx)
	}
	buckets := make([]time.Time, 0, len(groups))
	for b := range groups {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Before(buckets[j]) })

	trends := make([]CycleTrend, 0, len(buckets))
	for _, b := range buckets {
		txs := groups[b]
		eff := CycleEfficiency(txs)
		trends = append(trends, CycleTrend{
			Bucket:        b,
			TotalCycles:   eff.TotalCycles,
			AverageCycles: eff.TotalCycles / uint64(len(txs)),
			Efficiency:    eff.AvgCyclesPerInstruction,
			Cost:          e.cost(eff.TotalCycles),
			Transactions:  len(txs),
			Prediction:    predictNext(trends, eff.TotalCycles),
		})
	}
	return trends
}

func predictNext(prev []CycleTrend, current uint64) TrendPrediction {
	if len(prev) < 2 {
		return TrendPrediction{NextValue: current, Confidence: 0.1, Trend: "stable"}
	}
	recent := prev[max(0, len(prev)-5):]
	values := make([]float64, len(recent))
	for i, t := range recent {
		values[i] = float64(t.TotalCycles)
	}
	slope := LinearSlope(values)
	next := float64(current) + slope
	if next < 0 {
		next = 0
	}
	return TrendPrediction{
		NextValue:  uint64(next),
		Confidence: confidence(values),
		Trend:      ClassifySlope(slope, SlopeThreshold),
	}
}

// confidence is 1 - coefficient of variation, clamped to [0.1, 0.95].
func confidence(values []float64) float64 {
	m := Mean(values)
	if len(values) < 3 || m == 0 {
		return 0.1
	}
	return clamp(1-StdDev(values)/m, 0.1, 0.95)
}

func bucketStart(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	switch g {
	case Minute:
		return t.Truncate(time.Minute)
	case Hour:
		return t.Truncate(time.Hour)
	case Week:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, -int(day.Weekday()))
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}
