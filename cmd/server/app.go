package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"sire/internal/platform/config"
	"sire/internal/platform/kafka"
	"sire/internal/platform/logger"
	"sire/internal/platform/postgres"
	"sire/internal/platform/redis"
	"sire/internal/sire/credentials"
	"sire/internal/sire/events"
	"sire/internal/sire/files"
	"sire/internal/sire/lock"
	"sire/internal/sire/metrics"
	"sire/internal/sire/models"
	"sire/internal/sire/operations"
	"sire/internal/sire/orchestrator"
	"sire/internal/sire/ratelimit"
	"sire/internal/sire/scheduler"
	"sire/internal/sire/session"
	"sire/internal/sire/sunat"
	"sire/internal/sire/ticket"
	credstore "sire/internal/sire/store/credentials"
	filestore "sire/internal/sire/store/files"
	sessionstore "sire/internal/sire/store/session"
	ticketstore "sire/internal/sire/store/ticket"
	"sire/pkg/platform/circuit"
	"sire/pkg/platform/retry"
)

// app holds the wired service graph and whatever must be closed on exit.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	db        *sql.DB
	redis     *redis.Client
	vault     *credentials.Vault
	creds     credentialStore
	sessions  *session.Manager
	tickets   *orchestrator.Service
	scheduler *scheduler.Scheduler
	limiter   *ratelimit.Middleware

	closers []func() error
}

type credentialStore interface {
	credentials.Store
	Put(ctx context.Context, rec *models.SealedCredentials) error
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	return cfg, log, nil
}

// build wires every component. Optional backends fall back to in-memory
// implementations when their setting is empty.
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	var (
		tickets orchestrator.TicketStore
		err     error
	)
	if cfg.DatabaseURL != "" {
		a.db, err = postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, a.db.Close)
		tickets = ticketstore.NewPostgres(a.db)
		a.creds = credstore.NewPostgres(a.db)
	} else {
		log.Warn("DATABASE_URL not set, tickets and credentials are kept in memory")
		tickets = ticketstore.New()
		a.creds = credstore.New()
	}

	if cfg.VaultMasterKey != "" {
		key, err := credentials.ParseMasterKey(cfg.VaultMasterKey)
		if err != nil {
			return err
		}
		a.vault, err = credentials.New(a.creds, key, credentials.WithLogger(log))
		if err != nil {
			return err
		}
	} else {
		log.Warn("VAULT_MASTER_KEY not set, using an ephemeral key; sealed credentials will not survive a restart")
		a.vault = credentials.NewEphemeral(a.creds, credentials.WithLogger(log))
	}

	var sessions session.Store = sessionstore.New()
	var locker orchestrator.Locker
	a.redis, err = redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if a.redis != nil {
		a.closers = append(a.closers, a.redis.Close)
		sessions = sessionstore.NewRedis(a.redis.Client, cfg.Session.RedisGrace)
		locker = lock.NewRedis(a.redis.Client)
	} else {
		log.Warn("REDIS_URL not set, sessions are kept in memory and ticket locking is process local")
	}

	if cfg.Limits.Enabled {
		var store ratelimit.Store = ratelimit.NewMemoryStore()
		if a.redis != nil {
			store = ratelimit.NewRedisStore(a.redis.Client)
		}
		a.limiter = ratelimit.New(store, map[ratelimit.Class]ratelimit.Rule{
			ratelimit.ClassCreate:  {Limit: cfg.Limits.CreatePerWindow, Window: cfg.Limits.Window},
			ratelimit.ClassSession: {Limit: cfg.Limits.SessionPerWindow, Window: cfg.Limits.Window},
		}, ratelimit.WithLogger(log), ratelimit.WithMetrics(a.metrics))
	}

	var publisher events.Publisher = events.NewMemoryPublisher(0)
	if brokers := cfg.KafkaBrokers(); len(brokers) > 0 {
		producer, err := kafka.NewProducer(ctx, brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { producer.Close(); return nil })
		if err := kafka.EnsureTopic(ctx, producer, cfg.Kafka.Topic, cfg.Kafka.Partitions); err != nil {
			return err
		}
		publisher = events.NewKafkaPublisher(producer, cfg.Kafka.Topic)
	}

	client := sunat.New(sunat.Config{
		AuthURL:      cfg.Provider.AuthURL,
		APIURL:       cfg.Provider.APIURL,
		Scope:        cfg.Provider.Scope,
		StatusPath:   cfg.Provider.StatusPath,
		DownloadPath: cfg.Provider.DownloadPath,
		CancelPath:   cfg.Provider.CancelPath,
		Timeout:      cfg.Provider.Timeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.Provider.RetryAttempts,
			BaseDelay:   cfg.Provider.RetryBaseDelay,
			MaxDelay:    cfg.Provider.RetryMaxDelay,
		},
	},
		sunat.WithBreaker(circuit.New("sunat",
			circuit.WithFailureThreshold(cfg.Provider.BreakerFailures),
			circuit.WithSuccessThreshold(cfg.Provider.BreakerSuccesses),
			circuit.WithCooldown(cfg.Provider.BreakerCooldown),
		)),
		sunat.WithLogger(log),
		sunat.WithMetrics(a.metrics),
	)

	sessCfg := session.DefaultConfig()
	sessCfg.SafetyMargin = cfg.Session.SafetyMargin
	sessCfg.DefaultTokenTTL = cfg.Session.DefaultTokenTTL
	sessCfg.Refresh = retry.Policy{
		MaxAttempts: cfg.Session.RefreshAttempts,
		BaseDelay:   cfg.Session.RefreshBaseDelay,
		MaxDelay:    cfg.Session.RefreshMaxDelay,
	}
	sessCfg.CASRetries = cfg.Tickets.CASRetries
	a.sessions, err = session.New(sessions, a.vault, client,
		session.WithConfig(sessCfg),
		session.WithLogger(log),
		session.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	var fileStore files.Store = filestore.New()
	if cfg.FilesDBPath != "" {
		bolt, err := filestore.OpenBolt(cfg.FilesDBPath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, bolt.Close)
		fileStore = bolt
	}
	materializer, err := files.New(fileStore, client, files.WithLogger(log), files.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	catalog := operations.Default()
	if cfg.OperationsFile != "" {
		catalog, err = operations.LoadFile(cfg.OperationsFile)
		if err != nil {
			return err
		}
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithPublisher(publisher),
		orchestrator.WithCatalog(catalog),
		orchestrator.WithCASRetries(cfg.Tickets.CASRetries),
		orchestrator.WithLimits(ticket.Limits{
			MaxSubmitAttempts:    cfg.Tickets.MaxSubmitAttempts,
			MaxPollAttempts:      cfg.Tickets.MaxPollAttempts,
			MaxRetrievalAttempts: cfg.Tickets.MaxRetrievalAttempts,
		}),
	}
	if locker != nil {
		opts = append(opts, orchestrator.WithLocker(locker, cfg.Tickets.AdvanceLockTTL))
	}
	a.tickets, err = orchestrator.New(tickets, a.sessions, client, materializer, opts...)
	if err != nil {
		return err
	}

	interval := cfg.Schedule.Interval
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	a.scheduler, err = scheduler.New(a.tickets, materializer, scheduler.Config{
		Interval:          interval,
		BatchSize:         cfg.Schedule.BatchSize,
		Concurrency:       cfg.Schedule.Concurrency,
		SweepEvery:        cfg.Schedule.SweepEvery,
		PurgeGrace:        cfg.Tickets.PurgeGrace,
		FileRetentionDays: cfg.Tickets.FileRetentionDays,
	}, scheduler.WithLogger(log))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
