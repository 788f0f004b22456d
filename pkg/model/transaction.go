package model

import "time"

// Transaction statuses.
const (
	TxCompleted = "completed"
	TxPending   = "pending"
	TxFailed    = "failed"
)

// TransactionRecord is one executed call. Treated as immutable once ingested.
type TransactionRecord struct {
	ID                  string    `json:"id"`
	CycleCost           uint64    `json:"cycleCost"`
	ExecutionTimeMicros int64     `json:"executionTimeMicros"`
	InstructionCount    uint64    `json:"instructionCount"`
	MemoryBytes         int64     `json:"memoryBytes"`
	Status              string    `json:"status"` // completed/pending/failed
	SubnetID            string    `json:"subnetId"`
	CanisterID          string    `json:"canisterId"`
	MethodName          string    `json:"methodName,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// TransactionBatch is the payload of the transactions topic.
type TransactionBatch []TransactionRecord

func (TransactionBatch) Topic() Topic { return TopicTransactions }

func (b TransactionBatch) approxSize() int {
	n := 0
	for _, tx := range b {
		n += 120 + len(tx.ID) + len(tx.SubnetID) + len(tx.CanisterID) + len(tx.MethodName)
	}
	return n
}
