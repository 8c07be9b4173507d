package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/lock"
	"github.com/vibast-solutions/ms-go-mailer/app/preparer"
	"github.com/vibast-solutions/ms-go-mailer/app/provider"
	"github.com/vibast-solutions/ms-go-mailer/app/queue"
	"github.com/vibast-solutions/ms-go-mailer/app/reactor"
	"github.com/vibast-solutions/ms-go-mailer/app/repository"
	"github.com/vibast-solutions/ms-go-mailer/app/service"
	"github.com/vibast-solutions/ms-go-mailer/config"
	_ "modernc.org/sqlite"
)

// engine is everything one process needs to deliver mail.
type engine struct {
	log      *logrus.Entry
	db       *sql.DB
	lockDB   *sql.DB
	rdb      *redis.Client
	jobs     *repository.JobRepository
	reactor  *reactor.Reactor
	delivery *service.DeliveryService
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *config.Config) (*logrus.Entry, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(logger).WithField("service", "mailer"), nil
}

// openStore opens the database that holds delayed_jobs.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, repository.Dialect, error) {
	dialect, err := repository.ParseDialect(cfg.StoreDriver)
	if err != nil {
		return nil, "", err
	}

	var db *sql.DB
	switch dialect {
	case repository.DialectMySQL:
		db, err = sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, "", err
		}
		db.SetMaxOpenConns(cfg.MySQLMaxOpen)
		db.SetMaxIdleConns(cfg.MySQLMaxIdle)
		db.SetConnMaxLifetime(cfg.MySQLMaxLife)
	case repository.DialectSQLite:
		db, err = sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, "", err
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping %s: %w", dialect, err)
	}
	return db, dialect, nil
}

// openRedis connects to Redis when REDIS_ADDR is set; nil otherwise.
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func buildTransport(ctx context.Context, cfg *config.Config, settings entity.DeliverySettings) (provider.Transport, error) {
	switch cfg.Transport {
	case "", "smtp":
		return provider.NewSMTPProvider(settings)
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, err
		}
		return provider.NewSESProvider(awsCfg), nil
	case "noop":
		return provider.NewNoopProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported TRANSPORT: %s", cfg.Transport)
	}
}

// buildLocker returns the configured locker. The MySQL locker pins one
// connection per held lock, so it gets a pool of its own; that pool is
// returned for the caller to close.
func buildLocker(ctx context.Context, cfg *config.Config, rdb *redis.Client) (lock.Locker, *sql.DB, error) {
	switch cfg.LockBackend {
	case "", "none":
		return nil, nil, nil
	case "redis":
		if rdb == nil {
			return nil, nil, fmt.Errorf("LOCK_BACKEND=redis requires REDIS_ADDR")
		}
		return lock.NewRedisLocker(rdb), nil, nil
	case "mysql":
		if cfg.StoreDriver != string(repository.DialectMySQL) {
			return nil, nil, fmt.Errorf("LOCK_BACKEND=mysql requires STORE_DRIVER=mysql")
		}
		lockDB, _, err := openStore(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open lock pool: %w", err)
		}
		return lock.NewMySQLLocker(lockDB), lockDB, nil
	default:
		return nil, nil, fmt.Errorf("unsupported LOCK_BACKEND: %s", cfg.LockBackend)
	}
}

// newEngine wires the delivery service. Callers own shutdown via close.
func newEngine(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*engine, error) {
	settings, err := cfg.DeliverySettings()
	if err != nil {
		return nil, err
	}

	transport, err := buildTransport(ctx, cfg, settings)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	db, _, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	e := &engine{log: log, db: db, rdb: rdb}

	locker, lockDB, err := buildLocker(ctx, cfg, rdb)
	if err != nil {
		e.close(context.Background())
		return nil, err
	}
	e.lockDB = lockDB

	e.jobs = repository.NewJobRepository(db, repository.WithJobDefaults(cfg.JobPriority, cfg.JobQueue))
	if err := e.jobs.Connect(ctx); err != nil {
		e.close(context.Background())
		return nil, err
	}
	e.reactor = reactor.New(reactor.WithLogger(log.WithField("component", "reactor")))

	opts := []service.Option{service.WithLogger(log.WithField("component", "delivery"))}
	if locker != nil {
		opts = append(opts, service.WithLocker(locker, cfg.LockTTL))
	}
	if rdb != nil && cfg.NotifyJobs {
		opts = append(opts, service.WithNotifier(queue.NewJobNotifier(rdb)))
	}
	e.delivery = service.NewDeliveryService(settings, preparer.NewDefaultChain(), transport, e.jobs, e.reactor, opts...)

	log.WithFields(logrus.Fields{
		"transport": transport.Name(),
		"store":     cfg.StoreDriver,
		"lock":      cfg.LockBackend,
	}).Info("Delivery engine ready")
	return e, nil
}

// reportStoreErrors logs every durable write failure until ctx ends.
func (e *engine) reportStoreErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-e.delivery.Errors():
			e.log.WithError(err).Error("Delayed job was not recorded")
		}
	}
}

// close waits for in-flight deliveries to settle, then releases resources.
func (e *engine) close(ctx context.Context) {
	if e.reactor != nil {
		if err := e.reactor.Stop(ctx); err != nil {
			e.log.WithError(err).Error("Reactor did not drain before shutdown")
		}
	}
	if e.delivery != nil {
		for drained := false; !drained; {
			select {
			case err := <-e.delivery.Errors():
				e.log.WithError(err).Error("Delayed job was not recorded")
			default:
				drained = true
			}
		}
	}
	if e.jobs != nil {
		_ = e.jobs.Close()
	}
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	if e.lockDB != nil {
		_ = e.lockDB.Close()
	}
	if e.db != nil {
		_ = e.db.Close()
	}
}

func shutdownContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
