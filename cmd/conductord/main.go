// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command conductord is the worker daemon: it runs one or more dispatcher
// loops against the configured store, stepping workflow executions as their
// queues admit work. Task execution is left to separate workers (the
// "conductor claim"/"conductor complete" commands, or a Go process
// embedding pkg/client directly) since conductord has no way to know what
// arbitrary task functions to run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rhythmrun/engine/internal/config"
	"github.com/rhythmrun/engine/internal/engine/dispatcher"
	"github.com/rhythmrun/engine/internal/log"
	"github.com/rhythmrun/engine/internal/observability"
	"github.com/rhythmrun/engine/internal/remotecontrol"
	"github.com/rhythmrun/engine/pkg/client"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath    = flag.String("config", "", "path to settings.yaml (default: XDG config dir)")
		workerCount   = flag.Int("workers", 1, "number of dispatcher loops to run concurrently")
		metricsAddr   = flag.String("metrics-addr", "127.0.0.1:9090", "address to serve /metrics on")
		traceExporter = flag.String("trace-exporter", "none", "trace exporter: none, otlp-grpc, otlp-http, stdout")
		traceEndpoint = flag.String("trace-endpoint", "", "OTLP collector endpoint (ignored for stdout/none)")
		remoteAddr    = flag.String("remote-control-addr", "", "address to serve the remote-control API on (empty disables it)")
		remoteSecret  = flag.String("remote-control-secret", "", "HS256 signing secret for remote-control bearer tokens (required if remote-control-addr is set)")
		showVersion   = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductord %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	opts := runOptions{
		configPath:    *configPath,
		workerCount:   *workerCount,
		metricsAddr:   *metricsAddr,
		traceExporter: *traceExporter,
		traceEndpoint: *traceEndpoint,
		remoteAddr:    *remoteAddr,
		remoteSecret:  *remoteSecret,
	}
	if err := run(opts, logger); err != nil {
		logger.Error("conductord exited with an error", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	configPath    string
	workerCount   int
	metricsAddr   string
	traceExporter string
	traceEndpoint string
	remoteAddr    string
	remoteSecret  string
}

func run(opts runOptions, logger *slog.Logger) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = "conductord"
	obsCfg.ServiceVersion = version
	obsCfg.Exporter = opts.traceExporter
	obsCfg.Endpoint = opts.traceEndpoint
	obs, err := observability.NewProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("starting observability provider: %w", err)
	}
	defer obs.Shutdown(context.Background())

	c, err := client.Initialize(ctx, cfg, logger, obs)
	if err != nil {
		return fmt.Errorf("initializing client: %w", err)
	}
	defer c.Close()

	metricsServer := &http.Server{Addr: opts.metricsAddr, Handler: obs.MetricsHandler()}
	go serveInBackground(metricsServer, logger, "metrics")

	var remoteServer *http.Server
	if opts.remoteAddr != "" {
		if opts.remoteSecret == "" {
			return errors.New("remote-control-addr set without remote-control-secret")
		}
		rc := remotecontrol.NewServer(c, remotecontrol.Config{Secret: []byte(opts.remoteSecret), ClockSkew: 5 * time.Second}, logger)
		remoteServer = &http.Server{Addr: opts.remoteAddr, Handler: rc}
		go serveInBackground(remoteServer, logger, "remote-control")
	}

	watcher, watchErr := dispatcher.NewWatcher(cfg.Store.Path+"-wal", logger)
	if watchErr != nil {
		logger.Warn("could not watch sqlite WAL, falling back to fixed-interval polling", "error", watchErr)
	} else {
		defer watcher.Close()
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.workerCount; i++ {
		dcfg := dispatcher.Config{
			WorkerID:          fmt.Sprintf("%s-%d", cfg.Dispatcher.WorkerID, i),
			Queues:            cfg.Dispatcher.Queues,
			PollInterval:      cfg.Dispatcher.PollInterval,
			LeaseDuration:     cfg.Dispatcher.LeaseDuration,
			BatchSize:         cfg.Dispatcher.BatchSize,
			HeartbeatInterval: cfg.Dispatcher.HeartbeatInterval,
			DeadWorkerTimeout: cfg.Dispatcher.DeadWorkerTimeout,
			ClaimRPS:          cfg.Dispatcher.ClaimRPS,
		}
		d := c.NewDispatcher(dcfg, nil)

		if watcher != nil && i == 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				watcher.Run(ctx, d.Drain)
			}()
		}

		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			logger.Info("dispatcher started", "worker_id", workerID, "queues", strings.Join(cfg.Dispatcher.Queues, ","))
			if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("dispatcher stopped", "worker_id", workerID, "error", err)
			}
		}(dcfg.WorkerID)
	}

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	if remoteServer != nil {
		_ = remoteServer.Shutdown(shutdownCtx)
	}
	return nil
}

func serveInBackground(srv *http.Server, logger *slog.Logger, name string) {
	logger.Info("http server listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "server", name, "error", err)
	}
}
