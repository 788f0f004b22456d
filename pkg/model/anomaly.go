package model

import "time"

// AnomalyKind classifies a flagged point.
type AnomalyKind string

const (
	AnomalySpike   AnomalyKind = "spike"
	AnomalyDrop    AnomalyKind = "drop"
	AnomalyPattern AnomalyKind = "pattern"
	AnomalyOutlier AnomalyKind = "outlier"
)

// Severity bands.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Anomaly is produced by detection passes; never persisted here.
type Anomaly struct {
	ID              string      `json:"id"`
	Timestamp       time.Time   `json:"timestamp"`
	Kind            AnomalyKind `json:"type"`
	Metric          string      `json:"metric"`
	Index           int         `json:"index"` // position in the analysed series
	Observed        float64     `json:"value"`
	Expected        float64     `json:"expected"`
	Deviation       float64     `json:"deviation"` // standard deviations from normal
	Severity        string      `json:"severity"`
	Description     string      `json:"description"`
	PossibleCauses  []string    `json:"possibleCauses,omitempty"`
	Recommendations []string    `json:"recommendations,omitempty"`
}
