package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/opsflow/internal/analytics"
	"github.com/djlord-it/opsflow/internal/api"
	"github.com/djlord-it/opsflow/internal/blueprint"
	"github.com/djlord-it/opsflow/internal/cascade"
	"github.com/djlord-it/opsflow/internal/circuitbreaker"
	"github.com/djlord-it/opsflow/internal/config"
	"github.com/djlord-it/opsflow/internal/dispatcher"
	"github.com/djlord-it/opsflow/internal/media"
	"github.com/djlord-it/opsflow/internal/metrics"
	"github.com/djlord-it/opsflow/internal/reconciler"
	"github.com/djlord-it/opsflow/internal/retry"
	"github.com/djlord-it/opsflow/internal/runlock"
	"github.com/djlord-it/opsflow/internal/runner"
	"github.com/djlord-it/opsflow/internal/sidechannel"
	"github.com/djlord-it/opsflow/internal/sourcesync"
	"github.com/djlord-it/opsflow/internal/sourcesync/credentials"
	"github.com/djlord-it/opsflow/internal/store/memory"
	"github.com/djlord-it/opsflow/internal/store/postgres"
	"github.com/djlord-it/opsflow/internal/transport/channel"

	_ "github.com/lib/pq"
)

// engineStore is everything the process needs from persistence. Both the
// postgres and the in-memory store satisfy it.
type engineStore interface {
	runner.Store
	cascade.Seeder
	reconciler.Store
	api.Store
	sourcesync.AssetStore
	PingContext(ctx context.Context) error
}

var (
	_ engineStore = (*postgres.Store)(nil)
	_ engineStore = (*memory.Store)(nil)
)

// engine is the wired component graph shared by serve and run.
type engine struct {
	cfg      config.Config
	db       *sql.DB // nil in memory mode
	store    engineStore
	registry *blueprint.Table
	sink     metrics.Sink

	redis *redis.Client // nil when REDIS_ADDR is unset
	bus   *channel.EventBus

	runner     *runner.Runner
	controller *cascade.Controller

	timerRetries *retry.TimerScheduler // set without redis
	redisRetries *retry.RedisScheduler // set with redis
}

// openStore selects the in-memory store for memory:// and PostgreSQL
// otherwise. The schema is applied on open.
func openStore(ctx context.Context, cfg config.Config) (engineStore, *sql.DB, error) {
	if cfg.InMemory() {
		log.Println("opsflow: DATABASE_URL=memory://; using in-memory store (state is lost on exit)")
		return memory.New(), nil, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("opsflow: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	s := postgres.New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return s, db, nil
}

// newRedisClient accepts either host:port or a redis:// URL.
func newRedisClient(addr string) (*redis.Client, error) {
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_ADDR: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

func buildEngine(ctx context.Context, cfg config.Config, sink metrics.Sink) (*engine, error) {
	s, db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:      cfg,
		db:       db,
		store:    s,
		registry: blueprint.Default(),
		sink:     sink,
	}

	if cfg.RedisAddr != "" {
		e.redis, err = newRedisClient(cfg.RedisAddr)
		if err != nil {
			e.Close()
			return nil, err
		}
	}

	e.bus = channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(sink))

	invoker := dispatcher.NewInvoker(dispatcher.Config{
		BaseURL:  cfg.N8NBaseURL,
		Username: cfg.N8NUser,
		Password: cfg.N8NPassword,
		Timeout:  cfg.WebhookTimeout,
	}, dispatcher.NewHTTPWebhookSender()).WithMetrics(sink)
	if cfg.CircuitBreakerThreshold > 0 {
		invoker = invoker.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		log.Printf("opsflow: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}
	if cfg.N8NBaseURL == "" {
		log.Println("opsflow: N8N_BASE_URL not set; webhook automations without an endpoint will fail as not configured")
	}

	mediaStore, err := buildMediaStore(cfg)
	if err != nil {
		e.Close()
		return nil, err
	}

	tokens := credentials.NewTokenCache(credentials.Config{
		AppKey:       cfg.DropboxAppKey,
		AppSecret:    cfg.DropboxAppSecret,
		RefreshToken: cfg.DropboxRefreshToken,
		TTL:          cfg.DropboxTokenTTL,
	})
	syncer := sourcesync.New(sourcesync.FromTokenCache(tokens), s, mediaStore, sourcesync.Config{
		DownloadAttempts: cfg.DownloadRetryAttempts,
		DownloadDelay:    cfg.DownloadRetryDelay,
	}).WithEvents(e.bus).WithMetrics(sink)
	if !cfg.DropboxConfigured() {
		log.Println("opsflow: Dropbox credentials not set; dropbox-sync will fail as not configured")
	}

	var locker runlock.Locker
	if cfg.RunLockMode == config.RunLockPostgres {
		locker = runlock.NewAdvisoryLocker(db, int32(cfg.RunLockNamespace))
		log.Printf("opsflow: run lock mode=postgres (namespace=%d)", cfg.RunLockNamespace)
	} else {
		locker = runlock.NewKeyedMutex()
	}

	var retries retry.Scheduler
	if e.redis != nil {
		e.redisRetries = retry.NewRedisScheduler(e.redis, retry.RedisConfig{
			PollInterval: cfg.RetryPollInterval,
		}).WithMetrics(sink)
		retries = e.redisRetries
	} else {
		e.timerRetries = retry.NewTimerScheduler().WithMetrics(sink)
		retries = e.timerRetries
		log.Println("opsflow: REDIS_ADDR not set; source retries are kept in memory and lost on restart")
	}

	e.runner = runner.New(e.registry, s, runner.Config{
		SourceRemotePath: cfg.DropboxRootPath,
		SourceRetryDelay: cfg.SourceRetryDelay,
	}).
		WithLocker(locker).
		WithWebhook(invoker).
		WithSourceSync(syncer).
		WithRetries(retries).
		WithMetrics(sink)
	if e.redis != nil {
		e.runner = e.runner.WithAnalytics(analytics.NewRedisSink(e.redis))
		log.Println("opsflow: analytics enabled (redis)")
	}

	e.controller = cascade.New(e.registry, e.runner, s, cascade.Config{
		Parallelism: cfg.CascadeParallelism,
	}).WithMetrics(sink)

	if e.redisRetries != nil {
		e.redisRetries.Bind(e.controller)
	} else {
		e.timerRetries.Bind(e.controller)
	}

	return e, nil
}

func buildMediaStore(cfg config.Config) (sourcesync.MediaStore, error) {
	local := media.NewLocalStore(cfg.MediaRoot)
	if cfg.MinIOEndpoint == "" {
		return local, nil
	}
	client, err := media.NewMinIOClient(media.MinIOConfig{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	log.Printf("opsflow: media mirror enabled (endpoint=%s, bucket=%s)", cfg.MinIOEndpoint, cfg.MinIOBucket)
	return media.NewMirrorStore(local, client, cfg.MinIOBucket), nil
}

// sideChannel builds the consumer for events emitted during source sync.
// Unset hook URLs fall back to logging.
func (e *engine) sideChannel() *sidechannel.Consumer {
	var captioner sidechannel.Captioner = sidechannel.LogCaptioner{}
	if e.cfg.CaptionWebhookURL != "" {
		captioner = sidechannel.NewHTTPCaptioner(e.cfg.CaptionWebhookURL)
	}
	var notifier sidechannel.Notifier = sidechannel.LogNotifier{}
	if e.cfg.NotifyWebhookURL != "" {
		notifier = sidechannel.NewHTTPNotifier(e.cfg.NotifyWebhookURL)
	}
	return sidechannel.NewConsumer(captioner, notifier).WithMetrics(e.sink)
}

// healthChecker is the database handle when there is one, else the store.
func (e *engine) healthChecker() api.HealthChecker {
	if e.db != nil {
		return e.db
	}
	return e.store
}

// Close stops pending timers and releases connections.
func (e *engine) Close() {
	if e.timerRetries != nil {
		e.timerRetries.Stop()
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			log.Printf("opsflow: redis close error: %v", err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			log.Printf("opsflow: db close error: %v", err)
		}
	}
}
