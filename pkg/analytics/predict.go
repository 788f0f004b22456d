package analytics

import (
	"math"
	"time"

	"livefeed/pkg/model"
)

// PredictionFactors are the fixed weights reported with a prediction.
type PredictionFactors struct {
	Historical float64 `json:"historical"`
	Seasonal   float64 `json:"seasonal"`
	Trend      float64 `json:"trend"`
}

type PredictionRange struct {
	Min uint64 `json:"min"`
	Max uint64 `json:"max"`
}

type CyclePrediction struct {
	Timeframe       time.Duration     `json:"timeframe"`
	Predicted       uint64            `json:"predicted"`
	Confidence      float64           `json:"confidence"`
	Factors         PredictionFactors `json:"factors"`
	Range           PredictionRange   `json:"range"`
	Recommendations []string          `json:"recommendations"`
}

// PredictCycleUsage extrapolates TotalCyclesUsed over horizon from history
// (oldest first). The slope is per snapshot and is applied once per hour of
// horizon. Fewer than two snapshots give a zero prediction.
func (e *Engine) PredictCycleUsage(history []model.MetricsSnapshot, horizon time.Duration) CyclePrediction {
	if len(history) < 2 {
		return CyclePrediction{
			Timeframe:       horizon,
			Recommendations: []string{"Insufficient historical data for prediction"},
		}
	}
	values := make([]float64, len(history))
	for i, s := range history {
		values[i] = float64(s.TotalCyclesUsed)
	}
	slope := LinearSlope(values)
	last := values[len(values)-1]
	predicted := math.Max(0, math.Round(last+slope*horizon.Hours()+seasonalAdjustment(e.now())*last))
	conf := confidence(values)
	margin := 2 * StdDev(values)

	var recs []string
	if slope > 0.2 {
		recs = append(recs, "Cycle usage is increasing rapidly - consider optimization")
	}
	if conf < 0.5 {
		recs = append(recs, "Prediction confidence is low - gather more historical data")
	}
	if predicted > 1e9 {
		recs = append(recs, "High cycle usage predicted - ensure adequate cycle balance")
	}
	return CyclePrediction{
		Timeframe:  horizon,
		Predicted:  uint64(predicted),
		Confidence: conf,
		Factors:    PredictionFactors{Historical: 0.6, Seasonal: 0.2, Trend: 0.2},
		Range: PredictionRange{
			Min: uint64(math.Max(0, predicted-margin)),
			Max: uint64(predicted + margin),
		},
		Recommendations: recs,
	}
}

// seasonalAdjustment favours business hours and evenings in local time.
func seasonalAdjustment(t time.Time) float64 {
	switch h := t.Hour(); {
	case h >= 9 && h <= 17:
		return 0.1
	case h >= 18 && h <= 22:
		return 0.05
	}
	return -0.05
}
