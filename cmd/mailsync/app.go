package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsync/internal/api"
	"mailsync/internal/cache"
	"mailsync/internal/config"
	"mailsync/internal/database"
	"mailsync/internal/repository"
	"mailsync/internal/services"
	"mailsync/internal/utils"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// app holds the wired service graph shared by every command.
type app struct {
	cfg         *config.Config
	db          *gorm.DB
	store       cache.Store
	hub         *api.Hub
	coordinator *services.SyncCoordinator
	accounts    *services.AccountService
	emails      *services.EmailService
	summarizer  services.Summarizer
	syncRuns    *repository.SyncRunRepository
	logger      *utils.Logger
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := utils.NewLogger("Main")

	db, err := database.Open(cfg.Database, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		_ = database.Close(db)
		return nil, err
	}

	store, err := openCacheStore(ctx, cfg.Redis, logger)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}
	resultCache := cache.NewResultCache(store, cache.TTLs{
		List:    cfg.Cache.ListTTL,
		Threads: cfg.Cache.ThreadsTTL,
		AI:      cfg.Cache.AITTL,
	})

	accounts := repository.NewAccountRepository(db)
	emails := repository.NewEmailRepository(db)
	syncRuns := repository.NewSyncRunRepository(db)

	cipher, err := services.NewCredentialCipher(cfg.Security.EncryptionKey)
	if err != nil {
		if !errors.Is(err, services.ErrNoEncryptionKey) {
			_ = database.Close(db)
			return nil, err
		}
		logger.Warn("ENCRYPTION_KEY is not set, accounts with encrypted credentials cannot sync")
	}

	oauth := services.NewOAuth2Service(cfg.OAuth, accounts)
	fetcher := services.NewProviderFetcher(
		services.NewIMAPFetcher(cipher, oauth, cfg.Sync.FetchTimeout),
		services.NewGmailFetcher(oauth),
	)

	var summarizer services.Summarizer
	if openai := services.NewOpenAIService(cfg.OpenAI, resultCache); openai.Enabled() {
		summarizer = openai
	} else {
		logger.Info("OPENAI_API_KEY is not set, summaries are disabled")
	}

	hub := api.NewHub()
	coordinator := services.NewSyncCoordinator(accounts, emails, fetcher, resultCache, hub, services.SyncOptions{
		Lookback:    cfg.Sync.Lookback,
		BatchSize:   cfg.Sync.BatchSize,
		Concurrency: cfg.Sync.Concurrency,
	}).WithRecorder(syncRuns)
	hub.SetStatusProvider(coordinator)

	return &app{
		cfg:         cfg,
		db:          db,
		store:       store,
		hub:         hub,
		coordinator: coordinator,
		accounts:    services.NewAccountService(accounts, cipher, fetcher, resultCache, coordinator.Lock()),
		emails:      services.NewEmailService(emails, resultCache, summarizer),
		summarizer:  summarizer,
		syncRuns:    syncRuns,
		logger:      logger,
	}, nil
}

func openCacheStore(ctx context.Context, cfg config.RedisConfig, logger *utils.Logger) (cache.Store, error) {
	if cfg.URL == "" {
		logger.Info("REDIS_URL is not set, using in-memory result cache")
		store := cache.NewMemoryStore()
		store.StartCleanupRoutine(ctx, 10*time.Minute)
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "mailsync_cache_memory_entries",
				Help: "Entries held by the in-process result cache, expired ones included until cleanup.",
			},
			func() float64 { return float64(store.Len()) },
		))
		return store, nil
	}
	store, err := cache.NewRedisStore(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	logger.Info("Using redis result cache")
	return store, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Closing cache: %v", err)
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("Closing database: %v", err)
	}
}
