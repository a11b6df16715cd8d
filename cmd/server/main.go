// Package main is the entry point for the Plutus personal finance tracker.
// It wires the two SQLite databases, the exchange and MOEX clients, the sync
// and analytics services, the cron scheduler and the HTTP API, then blocks
// until a shutdown signal arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/plutus-app/plutus/internal/clients/bingx"
	"github.com/plutus-app/plutus/internal/clients/bitget"
	"github.com/plutus-app/plutus/internal/clients/bybit"
	"github.com/plutus-app/plutus/internal/clients/gateway"
	"github.com/plutus-app/plutus/internal/clients/kucoin"
	"github.com/plutus-app/plutus/internal/clients/moex"
	"github.com/plutus-app/plutus/internal/clients/okx"
	"github.com/plutus-app/plutus/internal/config"
	"github.com/plutus-app/plutus/internal/database"
	"github.com/plutus-app/plutus/internal/exchange"
	"github.com/plutus-app/plutus/internal/modules/assets"
	"github.com/plutus-app/plutus/internal/modules/history"
	"github.com/plutus-app/plutus/internal/modules/ledger"
	"github.com/plutus-app/plutus/internal/modules/platforms"
	"github.com/plutus-app/plutus/internal/modules/pricing"
	syncsvc "github.com/plutus-app/plutus/internal/modules/sync"
	"github.com/plutus-app/plutus/internal/reliability"
	"github.com/plutus-app/plutus/internal/scheduler"
	"github.com/plutus-app/plutus/internal/server"
	"github.com/plutus-app/plutus/pkg/logger"
)

// envCredentials exposes the per-exchange API keys from the environment as a
// fallback credential source for platform rows without stored keys.
type envCredentials struct {
	exchanges map[string]config.ExchangeCredentials
}

func (e envCredentials) ExchangeCredentials(name string) (key, secret, passphrase string, ok bool) {
	c, ok := e.exchanges[name]
	if !ok {
		return "", "", "", false
	}
	return c.APIKey, c.APISecret, c.Passphrase, true
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("Starting Plutus")

	portfolioDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "portfolio.db"),
		Profile: database.ProfileLedger,
		Name:    "portfolio",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open portfolio database")
	}
	defer portfolioDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	databases := map[string]*database.DB{"portfolio": portfolioDB, "cache": cacheDB}
	for name, db := range databases {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", name).Msg("Failed to migrate database")
		}
	}

	// Shared rate-limited HTTP gateway for every external API.
	gw := gateway.New(log)

	registry := exchange.NewRegistry()
	registry.Register("bybit", func(creds exchange.Credentials) exchange.Client {
		return bybit.New(creds, gw, log)
	})
	registry.Register("bitget", func(creds exchange.Credentials) exchange.Client {
		return bitget.New(creds, gw, log)
	})
	registry.Register("bingx", func(creds exchange.Credentials) exchange.Client {
		return bingx.New(creds, gw, log)
	})
	registry.Register("okx", func(creds exchange.Credentials) exchange.Client {
		return okx.New(creds, gw, log)
	})
	registry.Register("kucoin", func(creds exchange.Credentials) exchange.Client {
		return kucoin.New(creds, gw, log)
	})

	moexClient := moex.New(gw, log)
	// Public klines and tickers need no credentials.
	publicBybit := bybit.New(exchange.Credentials{}, gw, log)

	platformRepo := platforms.NewRepository(portfolioDB.Conn(), envCredentials{cfg.Exchanges}, log)
	assetRepo := assets.NewRepository(portfolioDB.Conn(), log)
	ledgerRepo := ledger.NewRepository(portfolioDB.Conn(), log)
	seriesRepo := history.NewRepository(portfolioDB.Conn(), log)
	cacheRepo := pricing.NewRepository(cacheDB.Conn(), log)

	syncService := syncsvc.NewService(platformRepo, assetRepo, ledgerRepo, registry, moexClient, log)
	resolver := history.NewResolver(cacheRepo, publicBybit, moexClient, log)
	historyService := history.NewService(platformRepo, assetRepo, ledgerRepo, seriesRepo,
		cacheRepo, resolver, publicBybit, moexClient, log)
	maintenanceService := reliability.NewMaintenanceService(databases, cfg.DataDir, log)

	var store reliability.ObjectStore
	if cfg.Backup.Enabled() {
		s3c, err := reliability.NewS3Client(context.Background(), cfg.Backup.Endpoint, "",
			cfg.Backup.AccessKeyID, cfg.Backup.SecretAccessKey, cfg.Backup.Bucket, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup storage")
		}
		store = s3c
	}
	backupService := reliability.NewBackupService(store, databases, cfg.DataDir, cfg.Backup.RetentionDays, log)

	sched := scheduler.New(cacheRepo, log)
	jobList := []scheduler.Job{
		{Name: "platform_sync", Schedule: "0 */6 * * *", Run: syncService.SyncAll},
		{Name: "price_changes", Schedule: "5 * * * *", Run: historyService.RefreshPriceChanges},
		{Name: "history_rebuild", Schedule: "30 2 * * *", Run: historyService.RebuildAll},
		{Name: "performance_chart", Schedule: "15 */12 * * *", Run: historyService.RefreshPerformanceChart},
		{Name: "market_leaders", Schedule: "45 */12 * * *", Run: historyService.RefreshMarketLeaders},
		{Name: "maintenance", Schedule: "0 4 * * *", Run: maintenanceService.Run},
	}
	if backupService.Enabled() {
		jobList = append(jobList, scheduler.Job{Name: "database_backup", Schedule: "0 5 * * *", Run: backupService.Run})
	} else {
		log.Info().Msg("Backups are not configured, skipping backup job")
	}

	jobs := make(map[string]scheduler.Job, len(jobList))
	for _, job := range jobList {
		if err := sched.Register(job); err != nil {
			log.Fatal().Err(err).Str("job", job.Name).Msg("Failed to register job")
		}
		jobs[job.Name] = job
	}
	sched.Start()

	srv := server.New(cfg.Port, cfg.DevMode, server.Deps{
		Platforms: platformRepo,
		Ledger:    ledgerRepo,
		Sync:      syncService,
		History:   historyService,
		Series:    seriesRepo,
		Pricing:   cacheRepo,
		Scheduler: sched,
		Jobs:      jobs,
		Databases: databases,
	}, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down HTTP server cleanly")
	}
	sched.Stop()
	log.Info().Msg("Shutdown complete")
}
