package analytics

import (
	"math"
	"time"

	"livefeed/pkg/model"
)

// ResponseTimes are milliseconds derived from ExecutionTimeMicros.
type ResponseTimes struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func responseTimesMs(txs []model.TransactionRecord) []float64 {
	out := make([]float64, len(txs))
	for i, tx := range txs {
		out[i] = float64(tx.ExecutionTimeMicros) / 1000
	}
	return out
}

func ResponseTimePercentiles(txs []model.TransactionRecord) ResponseTimes {
	if len(txs) == 0 {
		return ResponseTimes{}
	}
	vals := responseTimesMs(txs)
	rt := ResponseTimes{
		P50: Percentile(vals, 50),
		P90: Percentile(vals, 90),
		P95: Percentile(vals, 95),
		P99: Percentile(vals, 99),
		Min: math.Inf(1),
		Max: math.Inf(-1),
	}
	for _, v := range vals {
		rt.Min = math.Min(rt.Min, v)
		rt.Max = math.Max(rt.Max, v)
	}
	return rt
}

// Throughput is transactions per second across the span of their
// timestamps, optionally restricted to one subnet. A zero span gives 0.
func Throughput(txs []model.TransactionRecord, subnetID string) float64 {
	var first, last time.Time
	n := 0
	for _, tx := range txs {
		if subnetID != "" && tx.SubnetID != subnetID {
			continue
		}
		if n == 0 || tx.Timestamp.Before(first) {
			first = tx.Timestamp
		}
		if n == 0 || tx.Timestamp.After(last) {
			last = tx.Timestamp
		}
		n++
	}
	span := last.Sub(first).Seconds()
	if n == 0 || span == 0 {
		return 0
	}
	return float64(n) / span
}

// ErrorRate is the failed share of txs in percent.
func ErrorRate(txs []model.TransactionRecord) float64 {
	if len(txs) == 0 {
		return 0
	}
	failed := 0
	for _, tx := range txs {
		if tx.Status == model.TxFailed {
			failed++
		}
	}
	return float64(failed) / float64(len(txs)) * 100
}

// ResourceUsage averages per-transaction resource figures.
type ResourceUsage struct {
	AvgMemoryBytes     float64 `json:"avgMemoryBytes"`
	AvgInstructions    float64 `json:"avgInstructions"`
	AvgExecutionMicros float64 `json:"avgExecutionMicros"`
}

// PerformanceReport is the aggregate view over a transaction set.
type PerformanceReport struct {
	Transactions    int                `json:"transactions"`
	SuccessRate     float64            `json:"successRate"` // percent completed
	SuccessBySubnet map[string]float64 `json:"successBySubnet"`
	ResponseTimes   ResponseTimes      `json:"responseTimes"`
	Throughput      float64            `json:"throughput"`
	ErrorRate       float64            `json:"errorRate"`
	Resources       ResourceUsage      `json:"resources"`
}

func PerformanceAnalytics(txs []model.TransactionRecord) PerformanceReport {
	rep := PerformanceReport{Transactions: len(txs), SuccessBySubnet: make(map[string]float64)}
	if len(txs) == 0 {
		return rep
	}
	type tally struct{ ok, all int }
	bySubnet := make(map[string]*tally)
	ok := 0
	var mem, instr, exec float64
	for _, tx := range txs {
		t := bySubnet[tx.SubnetID]
		if t == nil {
			t = &tally{}
			bySubnet[tx.SubnetID] = t
		}
		t.all++
		if tx.Status == model.TxCompleted {
			ok++
			t.ok++
		}
		mem += float64(tx.MemoryBytes)
		instr += float64(tx.InstructionCount)
		exec += float64(tx.ExecutionTimeMicros)
	}
	n := float64(len(txs))
	rep.SuccessRate = float64(ok) / n * 100
	for id, t := range bySubnet {
		rep.SuccessBySubnet[id] = float64(t.ok) / float64(t.all) * 100
	}
	rep.ResponseTimes = ResponseTimePercentiles(txs)
	rep.Throughput = Throughput(txs, "")
	rep.ErrorRate = ErrorRate(txs)
	rep.Resources = ResourceUsage{AvgMemoryBytes: mem / n, AvgInstructions: instr / n, AvgExecutionMicros: exec / n}
	return rep
}

// HealthFactors are 0-100 scores; higher is healthier.
type HealthFactors struct {
	ResponseTime float64 `json:"responseTime"`
	Throughput   float64 `json:"throughput"`
	ErrorRate    float64 `json:"errorRate"`
}

// SubnetHealthScore rates one subnet from history.
type SubnetHealthScore struct {
	SubnetID        string        `json:"subnetId"`
	Overall         float64       `json:"overall"`
	Availability    float64       `json:"availability"` // percent of calls that did not fail
	Performance     float64       `json:"performance"`
	Reliability     float64       `json:"reliability"`
	Factors         HealthFactors `json:"factors"`
	Recommendations []string      `json:"recommendations"`
}

func (e *Engine) SubnetHealth(subnetID string) SubnetHealthScore {
	txs := e.transactionsWhere(func(tx model.TransactionRecord) bool { return tx.SubnetID == subnetID })
	if len(txs) == 0 {
		return SubnetHealthScore{SubnetID: subnetID, Recommendations: []string{"No data available for this subnet"}}
	}
	f := HealthFactors{
		ResponseTime: responseTimeScore(Mean(responseTimesMs(txs))),
		Throughput:   throughputScore(Throughput(txs, "")),
		ErrorRate:    errorRateScore(ErrorRate(txs)),
	}
	availability := 100 - ErrorRate(txs)
	performance := (f.ResponseTime + f.Throughput) / 2
	reliability := f.ErrorRate
	overall := (performance + reliability + availability) / 3

	var recs []string
	if f.ResponseTime < 70 {
		recs = append(recs, "Consider optimizing response time through caching or code optimization")
	}
	if f.Throughput < 50 {
		recs = append(recs, "Monitor throughput capacity and consider scaling solutions")
	}
	if f.ErrorRate < 80 {
		recs = append(recs, "Investigate error patterns and implement better error handling")
	}
	return SubnetHealthScore{
		SubnetID:        subnetID,
		Overall:         math.Round(overall),
		Availability:    math.Round(availability),
		Performance:     math.Round(performance),
		Reliability:     math.Round(reliability),
		Factors:         f,
		Recommendations: recs,
	}
}

func responseTimeScore(avgMs float64) float64 {
	switch {
	case avgMs < 50:
		return 100
	case avgMs < 100:
		return 90
	case avgMs < 200:
		return 75
	case avgMs < 500:
		return 50
	}
	return 25
}

func throughputScore(tps float64) float64 {
	switch {
	case tps > 1000:
		return 100
	case tps > 500:
		return 90
	case tps > 100:
		return 75
	case tps > 50:
		return 50
	}
	return 25
}

func errorRateScore(pct float64) float64 {
	switch {
	case pct < 0.1:
		return 100
	case pct < 0.5:
		return 90
	case pct < 1:
		return 75
	case pct < 2:
		return 50
	}
	return 25
}

// PeriodMetrics summarises history inside one TimeRange.
type PeriodMetrics struct {
	Start                time.Time     `json:"start"`
	End                  time.Time     `json:"end"`
	Transactions         int           `json:"transactions"`
	ResponseTimes        ResponseTimes `json:"responseTimes"`
	Throughput           float64       `json:"throughput"`
	ErrorRate            float64       `json:"errorRate"`
	CyclesPerInstruction float64       `json:"cyclesPerInstruction"`
}

// PerformanceChanges are percentage changes from period 1 to period 2.
type PerformanceChanges struct {
	ResponseTime float64 `json:"responseTime"`
	Throughput   float64 `json:"throughput"`
	ErrorRate    float64 `json:"errorRate"`
	Efficiency   float64 `json:"efficiency"`
}

type PerformanceComparison struct {
	Period1      PeriodMetrics      `json:"period1"`
	Period2      PeriodMetrics      `json:"period2"`
	Changes      PerformanceChanges `json:"changes"`
	Significance string             `json:"significance"` // low, medium, high
}

func (e *Engine) ComparePerformance(p1, p2 TimeRange) PerformanceComparison {
	m1, m2 := e.periodMetrics(p1), e.periodMetrics(p2)
	ch := PerformanceChanges{
		ResponseTime: PercentChange(m1.ResponseTimes.P50, m2.ResponseTimes.P50),
		Throughput:   PercentChange(m1.Throughput, m2.Throughput),
		ErrorRate:    PercentChange(m1.ErrorRate, m2.ErrorRate),
		Efficiency:   PercentChange(m1.CyclesPerInstruction, m2.CyclesPerInstruction),
	}
	biggest := math.Max(math.Max(math.Abs(ch.ResponseTime), math.Abs(ch.Throughput)),
		math.Max(math.Abs(ch.ErrorRate), math.Abs(ch.Efficiency)))
	sig := "low"
	switch {
	case biggest > 20:
		sig = "high"
	case biggest > 10:
		sig = "medium"
	}
	return PerformanceComparison{Period1: m1, Period2: m2, Changes: ch, Significance: sig}
}

func (e *Engine) periodMetrics(r TimeRange) PeriodMetrics {
	txs := e.transactionsWhere(func(tx model.TransactionRecord) bool { return r.contains(tx.Timestamp) })
	return PeriodMetrics{
		Start:                r.Start,
		End:                  r.End,
		Transactions:         len(txs),
		ResponseTimes:        ResponseTimePercentiles(txs),
		Throughput:           Throughput(txs, ""),
		ErrorRate:            ErrorRate(txs),
		CyclesPerInstruction: CycleEfficiency(txs).AvgCyclesPerInstruction,
	}
}

// NetworkPercentile ranks value against a network average on a 0-100 scale.
func NetworkPercentile(value, avg float64, higherIsBetter bool) float64 {
	if avg == 0 {
		return 0
	}
	ratio := value / avg
	if higherIsBetter {
		return clamp(ratio*50, 0, 100)
	}
	return clamp((2-ratio)*50, 0, 100)
}

// BenchmarkMetric is one compared figure.
type BenchmarkMetric struct {
	Value          float64 `json:"value"`
	Percentile     float64 `json:"percentile"`
	NetworkAverage float64 `json:"networkAverage"`
}

type Benchmark struct {
	CanisterID      string          `json:"canisterId"`
	ResponseTime    BenchmarkMetric `json:"responseTime"`
	Throughput      BenchmarkMetric `json:"throughput"`
	CycleEfficiency BenchmarkMetric `json:"cycleEfficiency"`
	ErrorRate       BenchmarkMetric `json:"errorRate"`
	OverallScore    float64         `json:"overallScore"`
	Ranking         string          `json:"ranking"`
	Recommendations []string        `json:"recommendations"`
}

func (e *Engine) BenchmarkAgainstNetwork(canisterID string) Benchmark {
	txs := e.transactionsWhere(func(tx model.TransactionRecord) bool { return tx.CanisterID == canisterID })
	if len(txs) == 0 {
		return Benchmark{CanisterID: canisterID, Ranking: "poor", Recommendations: []string{"No data available for benchmarking"}}
	}
	b := e.baseline
	metric := func(v, avg float64, higher bool) BenchmarkMetric {
		return BenchmarkMetric{Value: v, Percentile: NetworkPercentile(v, avg, higher), NetworkAverage: avg}
	}
	out := Benchmark{
		CanisterID:      canisterID,
		ResponseTime:    metric(ResponseTimePercentiles(txs).P50, b.ResponseTimeMs, false),
		Throughput:      metric(Throughput(txs, ""), b.Throughput, true),
		CycleEfficiency: metric(CycleEfficiency(txs).AvgCyclesPerInstruction, b.CyclesPerInstruction, false),
		ErrorRate:       metric(ErrorRate(txs), b.ErrorRate, false),
	}
	score := (out.ResponseTime.Percentile + out.Throughput.Percentile + out.CycleEfficiency.Percentile + out.ErrorRate.Percentile) / 4
	out.OverallScore = math.Round(score)
	out.Ranking = ranking(score)
	if out.ResponseTime.Percentile < 50 {
		out.Recommendations = append(out.Recommendations, "Response time is below network average - consider performance optimization")
	}
	if out.Throughput.Percentile < 50 {
		out.Recommendations = append(out.Recommendations, "Throughput is below network average - review capacity and scaling")
	}
	if out.CycleEfficiency.Percentile < 50 {
		out.Recommendations = append(out.Recommendations, "Cycle efficiency is below average - optimize code for better cycle usage")
	}
	if out.ErrorRate.Percentile < 50 {
		out.Recommendations = append(out.Recommendations, "Error rate is above network average - improve error handling and validation")
	}
	return out
}

func ranking(score float64) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 75:
		return "good"
	case score >= 50:
		return "average"
	case score >= 25:
		return "below_average"
	}
	return "poor"
}
