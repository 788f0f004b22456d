package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetricsSnapshot is an aggregate dashboard reading at one point in time.
type MetricsSnapshot struct {
	Timestamp              time.Time       `json:"timestamp"`
	Payments               int64           `json:"payments"`
	Revenue                decimal.Decimal `json:"revenue"`
	TotalTransactions      int64           `json:"totalTransactions"`
	SuccessfulTransactions int64           `json:"successfulTransactions"`
	FailedTransactions     int64           `json:"failedTransactions"`
	AverageResponseTime    float64         `json:"averageResponseTime"` // milliseconds
	TotalCyclesUsed        uint64          `json:"totalCyclesUsed"`
	CyclesBurned           uint64          `json:"cyclesBurned"`
	ActiveUsers            int64           `json:"activeUsers"`
	Errors                 int64           `json:"errors"`
	MemoryUsage            int64           `json:"memoryUsage,omitempty"` // bytes
}

func (MetricsSnapshot) Topic() Topic { return TopicMetrics }

func (MetricsSnapshot) approxSize() int { return 160 }

// ErrorRate is failed/total as a percentage; zero when no transactions.
func (m MetricsSnapshot) ErrorRate() float64 {
	total := m.TotalTransactions
	if total < 1 {
		total = 1
	}
	failed := m.FailedTransactions
	if failed == 0 {
		failed = m.Errors
	}
	return float64(failed) / float64(total) * 100
}
