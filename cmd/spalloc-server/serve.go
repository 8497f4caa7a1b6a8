// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/spinnaker-tools/spalloc-core/internal/allocator"
	"github.com/spinnaker-tools/spalloc-core/internal/bmp"
	"github.com/spinnaker-tools/spalloc-core/internal/lifecycle"
	"github.com/spinnaker-tools/spalloc-core/internal/power"
	"github.com/spinnaker-tools/spalloc-core/internal/quota"
	"github.com/spinnaker-tools/spalloc-core/internal/scheduler"
	"github.com/spinnaker-tools/spalloc-core/internal/service"
	"github.com/spinnaker-tools/spalloc-core/internal/store"
	"github.com/spinnaker-tools/spalloc-core/pkg/metrics"
)

var metricsAddr string

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to expose Prometheus metrics on")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Allocator, PowerController, ExpirySweep/Tombstone, and QuotaManager",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{
		DSN:           cfg.StoreDSN,
		HistoricalDSN: cfg.HistoricalDSN,
		BusyTimeout:   cfg.StoreBusyTimeout,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("store close failed", "error", err.Error())
		}
	}()

	registry := prometheus.NewRegistry()
	collector := metrics.NewPrometheusCollector(registry)

	driver := bmp.NewHTTPDriver(log)

	alloc := allocator.New(st, log, collector)
	powerCtl := power.New(st, driver, power.Config{
		MinOff:      cfg.BMPMinOff,
		MinOn:       cfg.BMPMinOn,
		Deadline:    cfg.BMPDeadline,
		MaxFailures: cfg.BMPMaxFailures,
	}, log, collector)
	// spec.md §4.D: "on process startup, all pending_changes.in_progress
	// are cleared" — a prior process's in-flight BMP calls cannot still
	// be running against this freshly opened store.
	if err := powerCtl.ClearInProgress(ctx); err != nil {
		return err
	}

	lc := lifecycle.New(st, lifecycle.Config{GracePeriod: cfg.HistoricalGracePeriod}, log, collector)
	qm := quota.New(st, log, collector)
	svc := service.New(st, qm, lc)
	_ = svc // the submit/keepalive/destroy surface is consumed by embedders, not served over HTTP (spec.md §1)

	sched, err := scheduler.New(log)
	if err != nil {
		return err
	}
	if cfg.Paused {
		sched.Pause()
	}

	tasks := []scheduler.Task{
		{Name: "allocator", Interval: cfg.AllocatorPeriod, Fn: alloc.Tick},
		{Name: "power", Interval: cfg.PowerPeriod, Fn: powerCtl.Tick},
		{Name: "expiry-sweep", Interval: cfg.KeepaliveExpiryPeriod, Fn: lc.ExpirySweep},
		{Name: "tombstone", Interval: cfg.HistoricalPeriod, Fn: lc.Tombstone},
		{Name: "quota-consolidate", Interval: cfg.QuotaConsolidationPeriod, Fn: qm.Consolidate},
	}
	for _, t := range tasks {
		if err := sched.Register(t); err != nil {
			return err
		}
	}
	sched.Start()
	log.Info("spalloc-server started", "store_dsn", cfg.StoreDSN)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err.Error())
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown failed", "error", err.Error())
	}
	return sched.Shutdown()
}
