package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"livefeed/pkg/model"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func txAt(id string, at time.Duration, cycles, instr uint64, status string) model.TransactionRecord {
	return model.TransactionRecord{
		ID:               id,
		CycleCost:        cycles,
		InstructionCount: instr,
		Status:           status,
		SubnetID:         "subnet-a",
		CanisterID:       "canister-1",
		Timestamp:        t0.Add(at),
	}
}

func TestStats(t *testing.T) {
	if got := LinearSlope([]float64{1, 2, 3}); !near(got, 1) {
		t.Fatalf("slope = %v", got)
	}
	if got := LinearSlope([]float64{7}); got != 0 {
		t.Fatalf("single point slope = %v", got)
	}
	if got := SampleVariance([]float64{2, 4, 4, 4, 5, 5, 7, 9}); !near(got, 32.0/7) {
		t.Fatalf("variance = %v", got)
	}
	cases := []struct {
		slope float64
		want  string
	}{
		{0.5, "increasing"},
		{-0.5, "decreasing"},
		{0.1, "stable"},
		{-0.05, "stable"},
	}
	for _, c := range cases {
		if got := ClassifySlope(c.slope, SlopeThreshold); got != c.want {
			t.Errorf("ClassifySlope(%v) = %q, want %q", c.slope, got, c.want)
		}
	}
	if PercentChange(0, 0) != 0 || PercentChange(0, 5) != 100 || PercentChange(100, 120) != 20 {
		t.Fatal("PercentChange baseline handling")
	}
}

func TestPercentile(t *testing.T) {
	vals := []float64{50, 10, 40, 20, 30}
	if got := Percentile(vals, 50); got != 30 {
		t.Fatalf("p50 = %v", got)
	}
	if got := Percentile(vals, 90); got != 50 {
		t.Fatalf("p90 = %v", got)
	}
	if got := Percentile(vals, 0); got != 10 {
		t.Fatalf("p0 = %v", got)
	}
	if vals[0] != 50 {
		t.Fatal("input reordered")
	}
	if Percentile(nil, 50) != 0 {
		t.Fatal("empty input")
	}
}

func TestResponseTimePercentiles(t *testing.T) {
	var txs []model.TransactionRecord
	for i := 1; i <= 5; i++ {
		txs = append(txs, model.TransactionRecord{ExecutionTimeMicros: int64(i) * 10000})
	}
	rt := ResponseTimePercentiles(txs)
	if rt.P50 != 30 || rt.P90 != 50 || rt.Min != 10 || rt.Max != 50 {
		t.Fatalf("percentiles = %+v", rt)
	}
	if (ResponseTimePercentiles(nil) != ResponseTimes{}) {
		t.Fatal("empty input should be zero")
	}
}

func TestThroughput(t *testing.T) {
	txs := []model.TransactionRecord{
		txAt("a", 0, 1, 1, model.TxCompleted),
		txAt("b", time.Second, 1, 1, model.TxCompleted),
		txAt("c", 2*time.Second, 1, 1, model.TxCompleted),
	}
	if got := Throughput(txs, ""); !near(got, 1.5) {
		t.Fatalf("throughput = %v", got)
	}
	if got := Throughput(txs, "other"); got != 0 {
		t.Fatalf("filtered throughput = %v", got)
	}
	if got := Throughput(txs[:1], ""); got != 0 {
		t.Fatalf("zero span = %v", got)
	}
}

func costFixture() []model.TransactionRecord {
	a := txAt("a", 0, 1_000_000, 5000, model.TxCompleted)
	a.MethodName = "transfer"
	b := txAt("b", time.Second, 2_000_000, 10000, model.TxCompleted)
	b.MethodName = "transfer"
	c := txAt("c", 2*time.Second, 500_000, 2500, model.TxFailed)
	c.CanisterID = "canister-2"
	return []model.TransactionRecord{a, b, c}
}

func TestCycleEfficiency(t *testing.T) {
	eff := CycleEfficiency(costFixture())
	if eff.TotalCycles != 3_500_000 || eff.WastedCycles != 500_000 {
		t.Fatalf("efficiency = %+v", eff)
	}
	if !near(eff.AvgCyclesPerInstruction, 200) {
		t.Fatalf("cycles per instruction = %v", eff.AvgCyclesPerInstruction)
	}
	if math.Abs(eff.WastePercentage-14.2857) > 1e-4 {
		t.Fatalf("waste = %v", eff.WastePercentage)
	}
	if (CycleEfficiency(nil) != Efficiency{}) {
		t.Fatal("empty input should be zero")
	}
}

func TestCostAnalysis(t *testing.T) {
	e := NewEngine()
	c := e.CostAnalysis(costFixture())
	if c.TotalCycles != 3_500_000 {
		t.Fatalf("total = %d", c.TotalCycles)
	}
	if !c.TotalCost.Equal(decimal.RequireFromString("3.5")) {
		t.Fatalf("cost = %s", c.TotalCost)
	}
	if c.ByStatus[model.TxCompleted] != 3_000_000 || c.ByStatus[model.TxFailed] != 500_000 {
		t.Fatalf("by status = %v", c.ByStatus)
	}
	if c.ByCanister["canister-1"] != 3_000_000 || c.ByCanister["canister-2"] != 500_000 {
		t.Fatalf("by canister = %v", c.ByCanister)
	}
	if c.ByOperation["transfer"] != 1_500_000 || c.ByOperation["unknown"] != 500_000 {
		t.Fatalf("by operation = %v", c.ByOperation)
	}
}

func snapshots(f func(i int, s *model.MetricsSnapshot), n int) []model.MetricsSnapshot {
	out := make([]model.MetricsSnapshot, n)
	for i := range out {
		out[i] = model.MetricsSnapshot{Timestamp: t0.Add(time.Duration(i) * time.Minute), TotalTransactions: 100, FailedTransactions: 1}
		f(i, &out[i])
	}
	return out
}

func TestAnalyzeTrends(t *testing.T) {
	ms := snapshots(func(i int, s *model.MetricsSnapshot) {
		s.AverageResponseTime = 150 - float64(i)*10
		s.TotalTransactions = 100 + int64(i)*10
		s.TotalCyclesUsed = 5_000_000 + uint64(i)*500_000
		s.Revenue = decimal.NewFromInt(int64(1000 + i))
	}, 3)
	tr := AnalyzeTrends(ms)

	if tr.ResponseTime.Trend != "improving" || !tr.ResponseTime.IsImproving {
		t.Fatalf("response time = %+v", tr.ResponseTime)
	}
	if want := (130.0 - 140.0) / 140.0 * 100; math.Abs(tr.ResponseTime.ChangePercentage-want) > 1e-9 {
		t.Fatalf("response change = %v", tr.ResponseTime.ChangePercentage)
	}
	if tr.ResponseTime.Direction != "decreasing" {
		t.Fatalf("response direction = %q", tr.ResponseTime.Direction)
	}
	if !tr.TransactionVolume.IsImproving || tr.TransactionVolume.Trend != "improving" {
		t.Fatalf("volume = %+v", tr.TransactionVolume)
	}
	// error rate falls as volume grows with a fixed failure count
	if !tr.ErrorRate.IsImproving {
		t.Fatalf("error rate = %+v", tr.ErrorRate)
	}
	if tr.CycleConsumption.Trend != "increasing" || tr.CycleConsumption.IsImproving {
		t.Fatalf("cycles = %+v", tr.CycleConsumption)
	}
	if !tr.Revenue.IsImproving {
		t.Fatalf("revenue = %+v", tr.Revenue)
	}

	single := AnalyzeTrends(ms[:1])
	if single.TransactionVolume.Trend != "stable" || single.TransactionVolume.ChangePercentage != 0 {
		t.Fatalf("single point = %+v", single.TransactionVolume)
	}
}

func spikeSeries() []float64 {
	return []float64{1e6, 1.01e6, 0.99e6, 1.02e6, 0.98e6, 1e6, 1.01e6, 0.99e6, 1e6, 1e7}
}

func TestDetectSeriesAnomaliesFlagsSingleSpike(t *testing.T) {
	e := NewEngine(WithClock(func() time.Time { return t0 }))
	got := e.DetectSeriesAnomalies(spikeSeries(), MetricCycleUsage)
	if len(got) != 1 {
		t.Fatalf("got %d anomalies, want 1", len(got))
	}
	a := got[0]
	if a.Kind != model.AnomalySpike || a.Index != 9 || a.Observed != 1e7 {
		t.Fatalf("anomaly = %+v", a)
	}
	if a.Severity != model.SeverityHigh && a.Severity != model.SeverityCritical {
		t.Fatalf("severity = %q", a.Severity)
	}
	if math.Abs(a.Expected-1e6) > 1 {
		t.Fatalf("expected = %v", a.Expected)
	}
	if a.ID == "" || !a.Timestamp.Equal(t0) || len(a.PossibleCauses) == 0 || len(a.Recommendations) == 0 {
		t.Fatalf("anomaly detail = %+v", a)
	}
}

func TestDetectSeriesAnomaliesEdgeCases(t *testing.T) {
	e := NewEngine()
	if got := e.DetectSeriesAnomalies([]float64{1, 2, 100, 1}, MetricThroughput); got != nil {
		t.Fatalf("short series = %v", got)
	}
	if got := e.DetectSeriesAnomalies([]float64{5, 5, 5, 5, 5, 5}, MetricThroughput); got != nil {
		t.Fatalf("flat series = %v", got)
	}
	got := e.DetectSeriesAnomalies([]float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 0}, "custom")
	if len(got) != 1 || got[0].Kind != model.AnomalyDrop {
		t.Fatalf("drop = %+v", got)
	}
	if got[0].PossibleCauses[0] != "Unknown cause" {
		t.Fatalf("causes = %v", got[0].PossibleCauses)
	}
}

func TestDetectAnomalies(t *testing.T) {
	e := NewEngine()
	series := spikeSeries()
	ms := snapshots(func(i int, s *model.MetricsSnapshot) { s.TotalCyclesUsed = uint64(series[i]) }, len(series))

	got := e.DetectAnomalies(ms)
	if len(got) != 1 || got[0].Metric != MetricCycleUsage {
		t.Fatalf("anomalies = %+v", got)
	}
	if e.DetectAnomalies(ms[:9]) != nil {
		t.Fatal("fewer than ten snapshots should give nothing")
	}
}

func TestPredictCycleUsage(t *testing.T) {
	night := time.Date(2026, 3, 2, 3, 0, 0, 0, time.Local)
	e := NewEngine(WithClock(func() time.Time { return night }))

	empty := e.PredictCycleUsage(nil, 2*time.Hour)
	if empty.Predicted != 0 || empty.Confidence != 0 || len(empty.Recommendations) != 1 {
		t.Fatalf("insufficient data = %+v", empty)
	}

	ms := snapshots(func(i int, s *model.MetricsSnapshot) { s.TotalCyclesUsed = uint64(100 * (i + 1)) }, 3)
	p := e.PredictCycleUsage(ms, 2*time.Hour)
	// 300 + 100*2 - 0.05*300
	if p.Predicted != 485 {
		t.Fatalf("predicted = %d", p.Predicted)
	}
	if !near(p.Confidence, 0.5) {
		t.Fatalf("confidence = %v", p.Confidence)
	}
	if p.Range.Min != 285 || p.Range.Max != 685 {
		t.Fatalf("range = %+v", p.Range)
	}
	if p.Factors != (PredictionFactors{Historical: 0.6, Seasonal: 0.2, Trend: 0.2}) {
		t.Fatalf("factors = %+v", p.Factors)
	}
}

func TestSeasonalAdjustment(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 1, 1, h, 0, 0, 0, time.Local) }
	for h, want := range map[int]float64{9: 0.1, 17: 0.1, 18: 0.05, 22: 0.05, 23: -0.05, 4: -0.05} {
		if got := seasonalAdjustment(at(h)); got != want {
			t.Errorf("hour %d: %v, want %v", h, got, want)
		}
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	e := NewEngine(WithHistory(3))
	for i := 0; i < 5; i++ {
		e.AddMetrics(model.MetricsSnapshot{Payments: int64(i)})
	}
	h := e.MetricsHistory()
	if len(h) != 3 || h[0].Payments != 2 || h[2].Payments != 4 {
		t.Fatalf("history = %+v", h)
	}
	h[0].Payments = 99
	if e.MetricsHistory()[0].Payments != 2 {
		t.Fatal("history should be returned as a copy")
	}
}

type fakeSource struct {
	metrics []func(model.MetricsSnapshot)
	txs     []func(model.TransactionBatch)
}

func (f *fakeSource) OnMetricsUpdate(fn func(model.MetricsSnapshot)) func() {
	f.metrics = append(f.metrics, fn)
	return func() { f.metrics = nil }
}

func (f *fakeSource) OnTransactionUpdate(fn func(model.TransactionBatch)) func() {
	f.txs = append(f.txs, fn)
	return func() { f.txs = nil }
}

func TestAttachFoldsUpdatesIntoHistory(t *testing.T) {
	e := NewEngine()
	src := &fakeSource{}
	detach := e.Attach(src)

	src.metrics[0](model.MetricsSnapshot{Payments: 7})
	src.txs[0](model.TransactionBatch{txAt("a", 0, 10, 1, model.TxCompleted), txAt("b", 0, 20, 1, model.TxCompleted)})
	if len(e.MetricsHistory()) != 1 || len(e.Transactions()) != 2 {
		t.Fatalf("history = %d metrics, %d txs", len(e.MetricsHistory()), len(e.Transactions()))
	}
	detach()
	if src.metrics != nil || src.txs != nil {
		t.Fatal("detach should unsubscribe both topics")
	}
}

func TestCycleTrendsBucketsByHour(t *testing.T) {
	e := NewEngine()
	e.AddTransactions(
		txAt("a", 5*time.Minute, 100, 10, model.TxCompleted),
		txAt("b", 40*time.Minute, 300, 10, model.TxCompleted),
		txAt("c", 70*time.Minute, 200, 10, model.TxCompleted),
		txAt("d", 120*time.Minute, 400, 10, model.TxCompleted),
		txAt("outside", 10*time.Hour, 999, 10, model.TxCompleted),
	)
	trends := e.CycleTrends(TimeRange{Start: t0, End: t0.Add(3 * time.Hour), Granularity: Hour})
	if len(trends) != 3 {
		t.Fatalf("buckets = %d", len(trends))
	}
	first := trends[0]
	if !first.Bucket.Equal(t0) || first.TotalCycles != 400 || first.AverageCycles != 200 || first.Transactions != 2 {
		t.Fatalf("first bucket = %+v", first)
	}
	if first.Efficiency != 20 {
		t.Fatalf("efficiency = %v", first.Efficiency)
	}
	if trends[2].Prediction.Trend == "" {
		t.Fatal("prediction missing")
	}
}

func TestBucketStart(t *testing.T) {
	wed := time.Date(2026, 3, 4, 15, 42, 10, 0, time.UTC)
	cases := map[Granularity]time.Time{
		Minute: time.Date(2026, 3, 4, 15, 42, 0, 0, time.UTC),
		Hour:   time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC),
		Day:    time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		Week:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Month:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	for g, want := range cases {
		if got := bucketStart(wed, g); !got.Equal(want) {
			t.Errorf("%s: %v, want %v", g, got, want)
		}
	}
}

func TestPerformanceAnalytics(t *testing.T) {
	a := txAt("a", 0, 1, 1, model.TxCompleted)
	a.MemoryBytes = 1024
	b := txAt("b", time.Second, 1, 1, model.TxCompleted)
	b.MemoryBytes = 2048
	c := txAt("c", 2*time.Second, 1, 1, model.TxFailed)
	c.MemoryBytes = 512
	c.SubnetID = "subnet-b"

	rep := PerformanceAnalytics([]model.TransactionRecord{a, b, c})
	if math.Abs(rep.SuccessRate-66.6667) > 1e-3 {
		t.Fatalf("success = %v", rep.SuccessRate)
	}
	if rep.SuccessBySubnet["subnet-a"] != 100 || rep.SuccessBySubnet["subnet-b"] != 0 {
		t.Fatalf("by subnet = %v", rep.SuccessBySubnet)
	}
	if math.Abs(rep.Resources.AvgMemoryBytes-1194.6667) > 1e-3 {
		t.Fatalf("memory = %v", rep.Resources.AvgMemoryBytes)
	}
}

func TestSubnetHealth(t *testing.T) {
	e := NewEngine()
	for i := 0; i < 3; i++ {
		tx := txAt(string(rune('a'+i)), time.Duration(i)*time.Second, 1, 1, model.TxCompleted)
		tx.ExecutionTimeMicros = 40_000
		e.AddTransactions(tx)
	}
	h := e.SubnetHealth("subnet-a")
	if h.Factors != (HealthFactors{ResponseTime: 100, Throughput: 25, ErrorRate: 100}) {
		t.Fatalf("factors = %+v", h.Factors)
	}
	if h.Availability != 100 || h.Performance != 63 || h.Reliability != 100 || h.Overall != 88 {
		t.Fatalf("health = %+v", h)
	}
	if len(h.Recommendations) != 1 {
		t.Fatalf("recommendations = %v", h.Recommendations)
	}
	if none := e.SubnetHealth("missing"); none.Overall != 0 || len(none.Recommendations) != 1 {
		t.Fatalf("unknown subnet = %+v", none)
	}
}

func TestComparePerformance(t *testing.T) {
	e := NewEngine()
	for i := 0; i < 4; i++ {
		tx := txAt("early", time.Duration(i)*time.Second, 10, 1, model.TxCompleted)
		tx.ExecutionTimeMicros = 100_000
		e.AddTransactions(tx)
		late := txAt("late", time.Hour+time.Duration(i)*time.Second, 10, 1, model.TxCompleted)
		late.ExecutionTimeMicros = 150_000
		e.AddTransactions(late)
	}
	cmp := e.ComparePerformance(
		TimeRange{Start: t0, End: t0.Add(time.Minute)},
		TimeRange{Start: t0.Add(time.Hour), End: t0.Add(time.Hour + time.Minute)},
	)
	if cmp.Period1.Transactions != 4 || cmp.Period2.Transactions != 4 {
		t.Fatalf("periods = %d, %d", cmp.Period1.Transactions, cmp.Period2.Transactions)
	}
	if !near(cmp.Changes.ResponseTime, 50) || cmp.Changes.Throughput != 0 {
		t.Fatalf("changes = %+v", cmp.Changes)
	}
	if cmp.Significance != "high" {
		t.Fatalf("significance = %q", cmp.Significance)
	}
}

func TestNetworkPercentile(t *testing.T) {
	cases := []struct {
		value, avg float64
		higher     bool
		want       float64
	}{
		{150, 150, false, 50},
		{75, 150, false, 75},
		{300, 150, false, 0},
		{1000, 500, true, 100},
		{250, 500, true, 25},
		{10, 0, true, 0},
	}
	for _, c := range cases {
		if got := NetworkPercentile(c.value, c.avg, c.higher); !near(got, c.want) {
			t.Errorf("NetworkPercentile(%v, %v, %v) = %v, want %v", c.value, c.avg, c.higher, got, c.want)
		}
	}
}

func TestBenchmarkAgainstNetwork(t *testing.T) {
	e := NewEngine()
	for i := 0; i < 3; i++ {
		tx := txAt("b", time.Duration(i)*time.Second, 4500, 1000, model.TxCompleted)
		tx.ExecutionTimeMicros = 150_000
		e.AddTransactions(tx)
	}
	b := e.BenchmarkAgainstNetwork("canister-1")
	if b.ResponseTime.Percentile != 50 || b.CycleEfficiency.Percentile != 50 || b.ErrorRate.Percentile != 100 {
		t.Fatalf("benchmark = %+v", b)
	}
	if b.Ranking != "average" || b.OverallScore != 50 {
		t.Fatalf("ranking = %q score = %v", b.Ranking, b.OverallScore)
	}
	if len(b.Recommendations) != 1 {
		t.Fatalf("recommendations = %v", b.Recommendations)
	}
	if none := e.BenchmarkAgainstNetwork("missing"); none.Ranking != "poor" {
		t.Fatalf("missing canister = %+v", none)
	}
}
