package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"livefeed/pkg/analytics"
	"livefeed/pkg/auth"
	"livefeed/pkg/channel"
	"livefeed/pkg/config"
	"livefeed/pkg/coordinator"
	"livefeed/pkg/fetch"
	"livefeed/pkg/logging"
	"livefeed/pkg/metrics"
	"livefeed/pkg/model"
	"livefeed/pkg/version"
)

func main() {
	cfg, err := config.Load("feedclient", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.WithField("version", version.String()).Info("feed client starting")

	token := cfg.Token
	if token == "" && cfg.JWTSecret != "" {
		token, err = auth.Generate([]byte(cfg.JWTSecret), "feedclient", cfg.CanisterID, 24*time.Hour)
		if err != nil {
			log.Fatalf("sign stream token: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	chCfg := channel.DefaultConfig()
	if cfg.HeartbeatInterval > 0 {
		chCfg.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if token != "" {
		chCfg.Header = http.Header{"Authorization": {"Bearer " + token}}
	}
	ch := channel.New(chCfg, channel.WithLogger(log.WithField("component", "channel")))
	fetcher := fetch.NewHTTP(cfg.SnapshotURL, token, nil)
	coord := coordinator.New(cfg.Feed, ch, fetcher,
		coordinator.WithLogger(log.WithField("component", "coordinator")),
		coordinator.WithRecorder(rec))
	engine := analytics.NewEngine(
		analytics.WithBaseline(cfg.Baseline),
		analytics.WithRecorder(rec),
		analytics.WithLogger(log.WithField("component", "analytics")))
	detach := engine.Attach(coord)

	coord.OnModeChange(func(mc model.ModeChange) {
		log.WithFields(logrus.Fields{"from": mc.From, "to": mc.To, "reason": mc.Reason}).Info("mode changed")
	})
	coord.OnError(func(fe model.FeedError) {
		log.WithFields(logrus.Fields{"type": fe.Type, "topic": fe.Topic, "source": fe.Source}).Warn(fe.Error())
	})
	coord.OnPerformanceChange(func(ps model.PerformanceStats) {
		log.WithFields(logrus.Fields{"throttle": ps.ThrottleInterval, "rate": ps.UpdatesPerSecond, "degraded": ps.Degraded}).Warn("throttle adapted")
	})
	coord.OnMetricsUpdate(func(m model.MetricsSnapshot) {
		log.WithFields(logrus.Fields{"payments": m.Payments, "revenue": m.Revenue.StringFixed(2), "errorRate": m.ErrorRate()}).Info("metrics")
	})
	coord.OnTransactionUpdate(func(b model.TransactionBatch) {
		log.WithField("count", len(b)).Debug("transactions")
	})
	coord.OnErrorUpdate(func(e model.ErrorReport) {
		log.WithFields(logrus.Fields{"code": e.Code, "canister": e.CanisterID}).Warn(e.Message)
	})
	coord.OnStatusUpdate(func(s model.StatusReport) {
		log.WithField("status", map[string]any(s)).Info("status")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer msrv.Close()
	}

	if err := coord.Start(ctx, cfg.Endpoint, cfg.CanisterID); err != nil {
		log.Fatalf("start: %v", err)
	}

	var tick <-chan time.Time
	if cfg.AnalysisInterval > 0 {
		t := time.NewTicker(cfg.AnalysisInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			detach()
			coord.Close()
			return
		case <-tick:
			report(log, coord, engine)
		}
	}
}

// report logs one analytics pass over everything streamed so far.
func report(log logrus.FieldLogger, coord *coordinator.Coordinator, engine *analytics.Engine) {
	health := coord.ConnectionHealth()
	log.WithFields(logrus.Fields{
		"push":      health.PushStatus,
		"pull":      health.PullStatus,
		"freshness": health.DataFreshnessSeconds,
		"quality":   health.Quality,
		"errors":    health.ErrorCount,
	}).Info("connection health")

	history := engine.MetricsHistory()
	txs := engine.Transactions()
	if len(history) == 0 {
		return
	}
	trends := analytics.AnalyzeTrends(history)
	eff := analytics.CycleEfficiency(txs)
	rt := analytics.ResponseTimePercentiles(txs)
	log.WithFields(logrus.Fields{
		"responseTrend": trends.ResponseTime.Trend,
		"volumeChange":  trends.TransactionVolume.ChangePercentage,
		"cycleTrend":    trends.CycleConsumption.Trend,
		"wastePct":      eff.WastePercentage,
		"p95ms":         rt.P95,
		"throughput":    analytics.Throughput(txs, ""),
	}).Info("analytics")

	for _, a := range engine.DetectAnomalies(history) {
		log.WithFields(logrus.Fields{"metric": a.Metric, "severity": a.Severity, "deviation": a.Deviation}).Warn(a.Description)
	}
	p := engine.PredictCycleUsage(history, time.Hour)
	log.WithFields(logrus.Fields{
		"predicted":  p.Predicted,
		"confidence": p.Confidence,
		"min":        p.Range.Min,
		"max":        p.Range.Max,
	}).Info("cycle usage next hour")
	for _, r := range p.Recommendations {
		log.Info(r)
	}
	if len(txs) > 0 {
		b := engine.BenchmarkAgainstNetwork(txs[len(txs)-1].CanisterID)
		log.WithFields(logrus.Fields{"score": b.OverallScore, "ranking": b.Ranking}).Info("network benchmark")
	}
}
