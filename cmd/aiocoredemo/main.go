// Command aiocoredemo drives a bulk echo against the in-memory loopback
// backend: it submits a write, waits for it to land, then submits a read
// and prints what comes back.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deviceio/aiocore"
	"github.com/deviceio/aiocore/internal/backend/loopback"
	"github.com/deviceio/aiocore/internal/logging"
	"github.com/deviceio/aiocore/internal/metrics"
)

func main() {
	var (
		payload     = flag.String("payload", "hello from aiocoredemo", "bytes to echo through the loopback endpoint")
		verbose     = flag.Bool("v", false, "verbose logging")
		metricsAddr = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090) instead of exiting after the demo transfer")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.New(logConfig)
	logging.SetDefault(logger)

	registry := prometheus.NewRegistry()
	observer := metrics.NewPrometheusObserver(registry)

	if err := run([]byte(*payload), logger, observer); err != nil {
		logger.Errorf("demo failed: %v", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		logger.Infof("serving metrics on %s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Errorf("metrics server: %v", err)
			os.Exit(1)
		}
	}
}

func run(payload []byte, logger *logging.Logger, observer *metrics.PrometheusObserver) error {
	ctx, err := aiocore.InitWithWorker()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer ctx.Unref()
	ctx.SetLogger(logger)
	ctx.SetObserver(observer)

	be := loopback.New("loopback:0")
	devices, err := be.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}
	handle, err := be.Open(ctx, devices[0])
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	logger.Infof("opened device %s", handle.Device.Identity)

	endpoint := aiocore.Endpoint{Number: 1, Kind: aiocore.KindBulk, MaxPacketSize: 64}

	out, err := aiocore.AllocTransfer(ctx, handle, be, nil)
	if err != nil {
		return fmt.Errorf("alloc write transfer: %w", err)
	}
	defer out.Free()
	out.Kind = aiocore.KindBulk
	out.Direction = aiocore.DirectionOut
	out.Endpoint = endpoint
	out.Buffer = payload

	if err := out.Submit(); err != nil {
		return fmt.Errorf("submit write: %w", err)
	}
	if err := out.Wait(context.Background()); err != nil {
		return fmt.Errorf("wait write: %w", err)
	}
	logger.Infof("wrote %d bytes", out.GetActualLength())

	in, err := aiocore.AllocTransfer(ctx, handle, be, nil)
	if err != nil {
		return fmt.Errorf("alloc read transfer: %w", err)
	}
	defer in.Free()
	in.Kind = aiocore.KindBulk
	in.Direction = aiocore.DirectionIn
	in.Endpoint = endpoint
	in.Buffer = make([]byte, len(payload))

	if err := in.Submit(); err != nil {
		return fmt.Errorf("submit read: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := in.Wait(waitCtx); err != nil {
		return fmt.Errorf("wait read: %w", err)
	}

	fmt.Printf("echoed back: %q\n", in.Buffer[:in.GetActualLength()])
	return nil
}
