package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/resched/internal/config"
	"github.com/sheerbytes/resched/internal/fetch"
	"github.com/sheerbytes/resched/internal/hostprops"
	"github.com/sheerbytes/resched/internal/ioloop"
	"github.com/sheerbytes/resched/internal/logging"
	"github.com/sheerbytes/resched/internal/quicprobe"
	"github.com/sheerbytes/resched/internal/scheduler"
	"github.com/sheerbytes/resched/internal/server"
)

const serverVersion = "v0.1.0"

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, serverVersion)
		return
	}
	cfg := config.ParseServerConfig()
	logger := logging.New("reschedd", cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	policy, multiplexed, err := cfg.ResolvePolicy()
	if err != nil {
		return fmt.Errorf("resolve policy: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hosts := hostprops.NewStore()
	for _, hostPort := range multiplexed {
		hosts.SetMultiplexed(hostPort, hostprops.ProtocolHTTP2, "config")
	}

	loop := ioloop.New(0)
	go loop.Run(ctx)

	sched := scheduler.New(hosts,
		scheduler.WithPolicy(policy),
		scheduler.WithLogger(logger),
		scheduler.WithSequenceCheck(loop.AssertOnLoop),
	)
	effective := sched.Policy()
	logger.Info("scheduler ready",
		"max_delayable_per_client", effective.MaxDelayablePerClient,
		"max_delayable_per_host", effective.MaxDelayablePerHost,
		"delayable_threshold", effective.DelayableThreshold,
		"multiplexed_hosts", len(multiplexed),
	)

	if len(cfg.ProbeHosts) > 0 {
		go func() {
			prober := &quicprobe.Prober{Store: hosts, Logger: logger, Insecure: cfg.ProbeInsecure}
			n, err := prober.ProbeAll(ctx, cfg.ProbeHosts)
			if err != nil {
				logger.Warn("HTTP/3 probe aborted", "error", err)
				return
			}
			logger.Info("HTTP/3 probe finished", "hosts", len(cfg.ProbeHosts), "multiplexed", n)
		}()
	}

	loader := fetch.NewLoader(loop, sched, fetch.Config{
		HTTPClient: &http.Client{Timeout: cfg.FetchTimeout},
		Hosts:      hosts,
		Logger:     logger,
	})
	srv := server.New(loop, sched, loader, hosts, server.Config{
		MaxMessageBytes: cfg.MaxMessageBytes,
		IdleTimeout:     cfg.IdleTimeout,
		MessageRate:     cfg.MessageRate,
		MessageBurst:    cfg.MessageBurst,
		FetchTimeout:    cfg.FetchTimeout,
	}, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	logger.Info("starting server", "addr", cfg.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
