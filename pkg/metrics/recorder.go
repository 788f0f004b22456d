package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"livefeed/pkg/model"
)

// Recorder holds the feed's Prometheus collectors. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	UpdatesDelivered  *prometheus.CounterVec
	UpdatesSuppressed prometheus.Counter
	FeedErrors        *prometheus.CounterVec
	ModeChanges       *prometheus.CounterVec
	Reconnects        prometheus.Counter
	Polls             *prometheus.CounterVec
	AnomaliesDetected *prometheus.CounterVec
	PendingUpdates    prometheus.Gauge
	PushActive        prometheus.Gauge
	DeliveryLatency   prometheus.Histogram
	HubClients        prometheus.Gauge
	HubBroadcasts     *prometheus.CounterVec
}

// NewRecorder registers all collectors on reg. Pass prometheus.NewRegistry()
// in tests to avoid clashing with the default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		UpdatesDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_updates_delivered_total",
			Help: "Updates handed to subscribers, by topic and source",
		}, []string{"topic", "source"}),
		UpdatesSuppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_updates_suppressed_total",
			Help: "Metrics snapshots dropped by delta suppression",
		}),
		FeedErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_errors_total",
			Help: "Errors reported to error observers, by type",
		}, []string{"type"}),
		ModeChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_mode_changes_total",
			Help: "Operating mode transitions, by target mode and reason",
		}, []string{"to", "reason"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_reconnects_total",
			Help: "Push connections re-established by the automatic reconnect loop",
		}),
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_polls_total",
			Help: "Poll attempts, by result",
		}, []string{"result"}),
		AnomaliesDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_anomalies_detected_total",
			Help: "Anomalies flagged by the analytics engine, by severity",
		}, []string{"severity"}),
		PendingUpdates: f.NewGauge(prometheus.GaugeOpts{
			Name: "livefeed_pending_updates",
			Help: "Updates waiting in the throttle buffer",
		}),
		PushActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "livefeed_push_active",
			Help: "1 when push mode is active, 0 in pull mode",
		}),
		DeliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livefeed_delivery_latency_seconds",
			Help:    "Time from ingest to subscriber delivery",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		HubClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "livefeed_hub_clients",
			Help: "Dashboard connections held by the feed server",
		}),
		HubBroadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_hub_messages_sent_total",
			Help: "Envelopes written to dashboard connections, by type",
		}, []string{"type"}),
	}
}

func (r *Recorder) Delivered(topic model.Topic, source model.Source) {
	if r == nil {
		return
	}
	r.UpdatesDelivered.WithLabelValues(string(topic), string(source)).Inc()
}

func (r *Recorder) Suppressed() {
	if r == nil {
		return
	}
	r.UpdatesSuppressed.Inc()
}

func (r *Recorder) Error(t model.FeedErrorType) {
	if r == nil {
		return
	}
	r.FeedErrors.WithLabelValues(string(t)).Inc()
}

func (r *Recorder) ModeChanged(mc model.ModeChange) {
	if r == nil {
		return
	}
	r.ModeChanges.WithLabelValues(string(mc.To), mc.Reason).Inc()
	if mc.To == model.ModePush {
		r.PushActive.Set(1)
	} else {
		r.PushActive.Set(0)
	}
}

func (r *Recorder) Reconnect() {
	if r == nil {
		return
	}
	r.Reconnects.Inc()
}

func (r *Recorder) Poll(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.Polls.WithLabelValues("ok").Inc()
		return
	}
	r.Polls.WithLabelValues("error").Inc()
}

func (r *Recorder) Anomaly(severity string) {
	if r == nil {
		return
	}
	r.AnomaliesDetected.WithLabelValues(severity).Inc()
}

func (r *Recorder) Pending(n int) {
	if r == nil {
		return
	}
	r.PendingUpdates.Set(float64(n))
}

func (r *Recorder) Latency(seconds float64) {
	if r == nil {
		return
	}
	r.DeliveryLatency.Observe(seconds)
}

func (r *Recorder) Clients(n int) {
	if r == nil {
		return
	}
	r.HubClients.Set(float64(n))
}

// Broadcast counts n envelopes of msgType written to clients.
func (r *Recorder) Broadcast(msgType string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.HubBroadcasts.WithLabelValues(msgType).Add(float64(n))
}
