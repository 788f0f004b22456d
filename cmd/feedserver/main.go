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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"livefeed/pkg/api"
	"livefeed/pkg/config"
	"livefeed/pkg/logging"
	"livefeed/pkg/metrics"
	"livefeed/pkg/version"
)

func main() {
	cfg, err := config.Load("feedserver", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewRecorder(reg)

	feed := api.NewServer(api.Options{
		Secret:         []byte(cfg.JWTSecret),
		MaxPerCanister: cfg.Feed.MaxConcurrentConnections,
		Logger:         log,
		Recorder:       rec,
	})
	mux := http.NewServeMux()
	feed.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	tlsCfg, err := api.ServerTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("failed to build TLS config: %v", err)
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.DemoInterval > 0 {
		go runDemo(ctx, feed, cfg.CanisterID, cfg.DemoInterval, log)
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.Listen, "version": version.String(), "tls": tlsCfg != nil}).Info("feed server listening")
		if tlsCfg != nil {
			errc <- srv.ListenAndServeTLS("", "")
			return
		}
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		feed.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown incomplete")
		}
	}
}
