package main

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"livefeed/pkg/api"
	"livefeed/pkg/model"
)

var demoMethods = []string{"transfer", "approve", "icrc1_balance_of", "notify_top_up"}

// runDemo publishes a synthetic payment stream until ctx ends.
func runDemo(ctx context.Context, feed *api.Server, canister string, every time.Duration, log logrus.FieldLogger) {
	if canister == "" {
		canister = "demo-canister"
	}
	t := time.NewTicker(every)
	defer t.Stop()
	var snap model.MetricsSnapshot
	revenue := decimal.Zero
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			tick++
			batch := make(model.TransactionBatch, 1+rand.IntN(5))
			for i := range batch {
				status := model.TxCompleted
				if rand.Float64() < 0.03 {
					status = model.TxFailed
				}
				batch[i] = model.TransactionRecord{
					ID:                  uuid.NewString(),
					CycleCost:           uint64(800_000 + rand.IntN(400_000)),
					ExecutionTimeMicros: int64(20_000 + rand.IntN(150_000)),
					InstructionCount:    uint64(150_000 + rand.IntN(50_000)),
					MemoryBytes:         int64(1<<20 + rand.IntN(1<<20)),
					Status:              status,
					SubnetID:            "subnet-demo",
					CanisterID:          canister,
					MethodName:          demoMethods[rand.IntN(len(demoMethods))],
					Timestamp:           now.UTC(),
				}
				snap.TotalTransactions++
				snap.TotalCyclesUsed += batch[i].CycleCost
				if status == model.TxFailed {
					snap.FailedTransactions++
					snap.CyclesBurned += batch[i].CycleCost
				} else {
					snap.SuccessfulTransactions++
					snap.Payments++
					revenue = revenue.Add(decimal.New(int64(100+rand.IntN(9900)), -2))
				}
			}
			snap.Timestamp = now.UTC()
			snap.Revenue = revenue
			snap.ActiveUsers = int64(20 + rand.IntN(30))
			snap.AverageResponseTime = 40 + rand.Float64()*60
			publish(feed, model.EventTransactionUpdate, batch, canister, log)
			publish(feed, model.EventMetricsUpdate, snap, canister, log)
			if tick%30 == 0 {
				publish(feed, model.EventCanisterStatus, model.StatusReport{"canisterId": canister, "status": "running"}, canister, log)
			}
		}
	}
}

func publish(feed *api.Server, msgType string, data any, canister string, log logrus.FieldLogger) {
	msg, err := model.NewMessage(msgType, data)
	if err != nil {
		log.WithError(err).Warn("demo message encode failed")
		return
	}
	if _, err := feed.Publish(msg, canister); err != nil {
		log.WithError(err).Warn("demo publish failed")
	}
}
