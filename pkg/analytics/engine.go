package analytics

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"livefeed/pkg/logging"
	"livefeed/pkg/metrics"
	"livefeed/pkg/model"
)

// DefaultHistory bounds each history buffer.
const DefaultHistory = 1000

// NetworkBaseline holds the network-wide averages used for benchmarking.
type NetworkBaseline struct {
	ResponseTimeMs       float64 `json:"responseTimeMs" yaml:"response_time_ms"`
	Throughput           float64 `json:"throughput" yaml:"throughput"`
	CyclesPerInstruction float64 `json:"cyclesPerInstruction" yaml:"cycles_per_instruction"`
	ErrorRate            float64 `json:"errorRate" yaml:"error_rate"` // percent
}

func DefaultBaseline() NetworkBaseline {
	return NetworkBaseline{ResponseTimeMs: 150, Throughput: 500, CyclesPerInstruction: 4.5, ErrorRate: 1.2}
}

// Engine computes derived analytics over explicit inputs and its own
// bounded history. It never owns a live connection.
type Engine struct {
	now        func() time.Time
	baseline   NetworkBaseline
	cyclePrice decimal.Decimal
	rec        *metrics.Recorder
	log        logrus.FieldLogger
	capacity   int

	mu      sync.RWMutex
	metrics *ring[model.MetricsSnapshot]
	txs     *ring[model.TransactionRecord]
}

type Option func(*Engine)

// WithClock sets the clock used for timestamps and seasonal adjustment.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithBaseline(b NetworkBaseline) Option { return func(e *Engine) { e.baseline = b } }

// WithCyclePrice sets the USD price of one cycle used for cost figures.
func WithCyclePrice(p decimal.Decimal) Option { return func(e *Engine) { e.cyclePrice = p } }

func WithHistory(n int) Option { return func(e *Engine) { e.capacity = n } }

func WithRecorder(r *metrics.Recorder) Option { return func(e *Engine) { e.rec = r } }

func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = logging.OrDiscard(l) } }

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		now:        time.Now,
		baseline:   DefaultBaseline(),
		cyclePrice: decimal.New(1, -6),
		log:        logging.Discard(),
		capacity:   DefaultHistory,
	}
	for _, o := range opts {
		o(e)
	}
	e.metrics = newRing[model.MetricsSnapshot](e.capacity)
	e.txs = newRing[model.TransactionRecord](e.capacity)
	return e
}

func (e *Engine) AddMetrics(ms ...model.MetricsSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range ms {
		e.metrics.push(m)
	}
}

// AddTransactions copies records into history; callers keep ownership of txs.
func (e *Engine) AddTransactions(txs ...model.TransactionRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tx := range txs {
		e.txs.push(tx)
	}
}

func (e *Engine) MetricsHistory() []model.MetricsSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics.items()
}

func (e *Engine) Transactions() []model.TransactionRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.txs.items()
}

func (e *Engine) transactionsWhere(keep func(model.TransactionRecord) bool) []model.TransactionRecord {
	all := e.Transactions()
	out := all[:0]
	for _, tx := range all {
		if keep(tx) {
			out = append(out, tx)
		}
	}
	return out
}

// UpdateSource is the subscription surface of the coordinator.
type UpdateSource interface {
	OnMetricsUpdate(fn func(model.MetricsSnapshot)) func()
	OnTransactionUpdate(fn func(model.TransactionBatch)) func()
}

// Attach folds streamed metrics and transactions into history and returns
// a function that detaches again.
func (e *Engine) Attach(src UpdateSource) func() {
	offMetrics := src.OnMetricsUpdate(func(m model.MetricsSnapshot) { e.AddMetrics(m) })
	offTxs := src.OnTransactionUpdate(func(b model.TransactionBatch) { e.AddTransactions(b...) })
	return func() {
		offMetrics()
		offTxs()
	}
}
