package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketcache/config"
	"marketcache/internal/cache"
	"marketcache/internal/dispatch"
	"marketcache/internal/history"
	"marketcache/internal/httpapi"
	"marketcache/internal/provider"
	"marketcache/internal/ratelimit"
	"marketcache/internal/scheduler"
	"marketcache/internal/subscription"
	"marketcache/internal/tcpserver"
	"marketcache/internal/udpserver"
	"marketcache/logger"
	"marketcache/pkg/storage/postgres"

	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	// shared rate limiter: one call budget across scheduled and on-demand fetches
	limiter := ratelimit.New(cfg.RateLimit.MaxCallsPerMinute, time.Minute)
	client := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout, limiter, log)

	// history store: postgres when configured, in-memory otherwise
	var store history.Store
	if cfg.History.UsePostgres {
		pg, err := postgres.InitializeAndMigratePricePoint(cfg.Postgres, cfg.Log.Environment, true)
		if err != nil {
			log.Fatal("postgres initialization failed", zap.Error(err))
		}
		defer pg.Close()
		store = pg
	} else {
		store = history.NewMemoryStore(cfg.History.MaxPointsPerCoin)
	}

	priceCache := cache.New(store, log)
	registry := subscription.NewRegistry()

	sched := scheduler.New(scheduler.Config{
		Interval:      cfg.Scheduler.Interval,
		TopCoins:      cfg.Scheduler.TopCoins,
		Currency:      cfg.Scheduler.Currency,
		Timeout:       cfg.Provider.Timeout,
		RetentionDays: cfg.History.RetentionDays,
	}, client, priceCache, store, registry, log)

	broadcaster, err := udpserver.Listen(cfg.Server.UDPPort, log)
	if err != nil {
		log.Fatal("udp listen failed", zap.Error(err))
	}
	defer broadcaster.Close()

	tcpSrv := tcpserver.NewServer(tcpserver.Config{
		Port:            cfg.Server.TCPPort,
		AuthTokens:      cfg.Server.AuthTokens,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxAuthFailures: cfg.Server.MaxAuthFailures,
		SendQueueSize:   cfg.Server.SendQueueSize,
	}, registry, priceCache, broadcaster, log)

	httpSrv := httpapi.NewServer(httpapi.Config{
		Port:     cfg.Server.HTTPPort,
		Currency: cfg.Scheduler.Currency,
	}, client, priceCache, store, sched, limiter, log)

	dispatcher := dispatch.New(registry, tcpSrv, broadcaster, httpSrv.Stream(), sched.Updates(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	go dispatcher.Run(ctx)
	go broadcaster.RunHeartbeats(ctx, cfg.Server.HeartbeatInterval)

	if err := tcpSrv.Start(ctx); err != nil {
		log.Fatal("tcp server failed", zap.Error(err))
	}
	if err := httpSrv.Start(); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	if err := tcpSrv.Stop(shutdownCtx); err != nil {
		log.Warn("tcp shutdown failed", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler shutdown failed", zap.Error(err))
	}
	cancel()

	log.Info("shutdown complete")
}
