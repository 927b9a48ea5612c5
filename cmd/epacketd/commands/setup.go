package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/embeint/epacket/buffer"
	"github.com/embeint/epacket/codec"
	epconfig "github.com/embeint/epacket/config"
	"github.com/embeint/epacket/dummytransport"
	"github.com/embeint/epacket/keys"
	epmetrics "github.com/embeint/epacket/metrics"
	"github.com/embeint/epacket/pipeline"
	"github.com/embeint/epacket/transport"
)

// deviceKeyTag is the sole key namespace this demonstration binary uses;
// a real deployment binds one tag per interface family.
const deviceKeyTag codec.InterfaceKeyTag = 0

// rig bundles the shared components every mode's RunE assembles from
// config before wiring its own handler.
type rig struct {
	cfg      *epconfig.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *epmetrics.Collector

	txPool *buffer.Pool
	rxPool *buffer.Pool
	codec  *codec.Codec

	transport *dummytransport.Dummy
	device    *transport.Device

	pipeline *pipeline.Pipeline
}

func newLogger(cfg epconfig.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: epconfig.ParseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// buildRig constructs every shared component (logger, metrics registry,
// pools, codec, dummy transport, pipeline) but does not bind an
// interface or start anything — callers pick the device or gateway
// receive handler before running.
func buildRig(ifaceID buffer.InterfaceID) (*rig, error) {
	cfg, err := epconfig.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log)
	reg := prometheus.NewRegistry()
	collector := epmetrics.NewCollector(reg)

	var root [32]byte
	copy(root[:], "epacketd-demonstration-fixture-")
	ks := keys.NewMemKeyStore(root, 1, 1, 1)

	txPool := buffer.NewPool(buffer.KindTX, cfg.Pools.TXCount, cfg.Pools.TXCapacity)
	rxPool := buffer.NewPool(buffer.KindRX, cfg.Pools.RXCount, cfg.Pools.RXCapacity)
	c := codec.NewCodec(ks, cfg.Pools.ScratchCount, cfg.Pools.TXCapacity)

	p := pipeline.New(pipeline.Config{
		TXPool:        txPool,
		Keys:          ks,
		HeaderReserve: cfg.Pipeline.HeaderReserve,
		FooterReserve: cfg.Pipeline.FooterReserve,
		RXQueueLen:    cfg.Pipeline.RXQueueLen,
		TXQueueLen:    cfg.Pipeline.TXQueueLen,
		MaxInterval:   cfg.Pipeline.WatchdogPeriod,
	}, cfg.Pools.TXCount)

	tr := dummytransport.New(ifaceID)
	dev := transport.NewDevice(tr, nil)
	p.BindInterface(ifaceID, dev, c, true, deviceKeyTag)

	return &rig{
		cfg: cfg, logger: logger, registry: reg, metrics: collector,
		txPool: txPool, rxPool: rxPool, codec: c,
		transport: tr, device: dev, pipeline: p,
	}, nil
}

// run supervises the pipeline loop and the metrics HTTP server under one
// errgroup with signal-aware shutdown, mirroring dantte-lp-gobfd's
// cmd/gobfd runServers shape (stripped of its daemon-specific
// integrations).
func (r *rig) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle(r.cfg.Metrics.Path, promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: r.cfg.Metrics.Addr, Handler: mux}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.logger.Info("metrics server listening", slog.String("addr", r.cfg.Metrics.Addr))
		err := metricsSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := r.pipeline.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gCtx.Done()
		return metricsSrv.Close()
	})

	r.logger.Info("epacketd running")
	err := g.Wait()
	r.logger.Info("epacketd stopped")
	return err
}
