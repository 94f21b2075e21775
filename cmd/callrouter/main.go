// Command callrouter starts the sharded call router: admission control,
// per-call worker supervision, and the WebSocket/NATS transports that
// feed SIP traffic into it. The overall shape (flag parse, config load,
// signal wait, bounded graceful shutdown) follows the teacher's
// src/main.go.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/time/rate"

	"github.com/nksip/callrouter/internal/callrouter"
	"github.com/nksip/callrouter/internal/config"
	"github.com/nksip/callrouter/internal/logging"
	"github.com/nksip/callrouter/internal/metrics"
	"github.com/nksip/callrouter/internal/resource"
	"github.com/nksip/callrouter/internal/transport/natstransport"
	"github.com/nksip/callrouter/internal/transport/wstransport"
	"github.com/nksip/callrouter/internal/worker"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	startupLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatPretty})

	cfg, err := config.Load(&startupLogger)
	if err != nil {
		startupLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: logging.Format(cfg.LogFormat),
	})

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting callrouter")

	global := callrouter.DefaultGlobal()
	global.GlobalID = cfg.GlobalID
	global.MaxCalls = cfg.MaxCalls
	global.TransactionTimeout = cfg.TransactionTimeout
	global.DialogTimeout = cfg.DialogTimeout
	global.MaxDialogTime = cfg.MaxDialogTime
	global.T1 = cfg.T1
	global.T2 = cfg.T2
	global.T4 = cfg.T4
	global.C = cfg.C
	global.SyncWorkTimeout = cfg.SyncWorkTimeout

	counters := callrouter.NewProcessCounters()
	appSource := callrouter.NewStaticAppOptionsSource(callrouter.AppOptions{AppID: cfg.GlobalID})

	sampler := resource.NewSampler(5*time.Second, logger)

	registry := newMetricsRegistry()
	observer := metrics.NewRouter(registry, func() float64 { return float64(counters.LiveCalls()) }, sampler.Snapshot)

	numShards := cfg.NumShards
	if numShards <= 0 {
		numShards = runtime.NumCPU()
	}

	pool := callrouter.NewShardPool(callrouter.PoolOpts{
		NumShards:  numShards,
		Global:     global,
		Counters:   counters,
		AppSource:  appSource,
		Factory:    worker.NewFactory(logger),
		Observer:   observer,
		Logger:     logger,
		AdmitRate:  rate.Limit(cfg.AdmitRatePerSec),
		AdmitBurst: cfg.AdmitBurst,
	})
	logger.Info().Int("shards", pool.NumShards()).Msg("shard pool started")

	router := callrouter.NewRouter(pool, global)

	samplerCtx, stopSampler := context.WithCancel(context.Background())
	go sampler.Run(samplerCtx)

	wsServer := wstransport.NewServer(cfg.WSAddr, cfg.JWTSecret, router, logger)
	if err := wsServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start ws transport")
	}
	logger.Info().Str("addr", cfg.WSAddr).Msg("ws transport listening")

	var natsSub *natstransport.Subscriber
	if cfg.NATSUrl != "" {
		natsSub, err = natstransport.Connect(cfg.NATSUrl, cfg.NATSSubj, cfg.GlobalID, router, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect nats transport")
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", observer.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down callrouter")

	stopSampler()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ws transport shutdown error")
	}
	if natsSub != nil {
		natsSub.Close()
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shard pool shutdown error")
	}

	logger.Info().Msg("callrouter shutdown complete")
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg
}
