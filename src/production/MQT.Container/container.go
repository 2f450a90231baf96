package container

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.ApiService/health"
	broker "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Broker"
	cache "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Cache"
	config "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Config"
	correlator "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Correlator"
	dispatcher "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Dispatcher"
	mqtingestor "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Ingestor"
	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
	metrics "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Metrics"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	implementation "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Implementation"
	interfaces "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Interfaces"
	migrations "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Migrations"
	session "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Session"
	"go.mongodb.org/mongo-driver/mongo"
)

const connectTimeout = 20 * time.Second

// Container manages dependencies and their lifecycle
type Container struct {
	config   *config.Config
	logger   *logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	// Mutex for thread-safe access
	mu    sync.Mutex
	db    *sql.DB
	pool  *pgxpool.Pool
	mongo *mongo.Client
	redis *redis.Client

	// Cleanup functions
	cleanupFuncs []func() error
}

// Services is everything the gateway runs, wired together
type Services struct {
	Broker     *broker.Manager
	Correlator *correlator.Correlator
	Dispatcher *dispatcher.Dispatcher
	Sessions   *session.Manager
	Ingestor   *mqtingestor.Ingestor
	Sensors    interfaces.SensorRepository
	// nil when REDIS_ADDR is not set
	LastValues *cache.LastValueCache
	Health     *health.HealthChecker
}

// NewContainer creates a new dependency injection container
func NewContainer() (*Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return NewContainerWithConfig(cfg, log), nil
}

// NewContainerWithConfig builds a container around an existing config
func NewContainerWithConfig(cfg *config.Config, log *logger.Logger) *Container {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Container{
		config:   cfg,
		logger:   log,
		registry: reg,
		metrics:  metrics.New(reg),
	}
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// GetLogger returns the logger
func (c *Container) GetLogger() *logger.Logger {
	return c.logger
}

func (c *Container) GetMetrics() *metrics.Metrics {
	return c.metrics
}

// GetRegistry is what /metrics exposes
func (c *Container) GetRegistry() *prometheus.Registry {
	return c.registry
}

// GetDatabase returns the database/sql handle used by the sensors and
// sessions repositories and by the migrations
func (c *Container) GetDatabase() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		db, err := health.ConnectPostgresWithTimeout(c.config, connectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		c.db = db
		c.cleanupFuncs = append(c.cleanupFuncs, db.Close)
	}

	return c.db, nil
}

// GetTimescalePool returns the pgx pool of the reading store
func (c *Container) GetTimescalePool() (*pgxpool.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool == nil {
		pool, err := health.ConnectTimescaleWithTimeout(c.config, connectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to timescale: %w", err)
		}
		c.pool = pool
		c.cleanupFuncs = append(c.cleanupFuncs, func() error {
			pool.Close()
			return nil
		})
	}

	return c.pool, nil
}

func (c *Container) GetMongo() (*mongo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mongo == nil {
		client, err := health.ConnectMongoWithTimeout(c.config.Mongo, connectTimeout)
		if err != nil {
			return nil, err
		}
		c.mongo = client
		c.cleanupFuncs = append(c.cleanupFuncs, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		})
	}

	return c.mongo, nil
}

// GetRedis returns nil without error when the cache is not configured
func (c *Container) GetRedis() (*redis.Client, error) {
	if c.config.Redis.Addr == "" {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.redis == nil {
		rdb, err := health.ConnectRedisWithTimeout(c.config.Redis, 5*time.Second)
		if err != nil {
			return nil, err
		}
		c.redis = rdb
		c.cleanupFuncs = append(c.cleanupFuncs, rdb.Close)
	}

	return c.redis, nil
}

// InitializeDatabase applies the embedded migrations
func (c *Container) InitializeDatabase(ctx context.Context) error {
	db, err := c.GetDatabase()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- migrations.Run(db, c.logger) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("migrating database: %w", ctx.Err())
	}

	c.logger.Info().Msg("Database initialized successfully")
	return nil
}

// ReadingStore opens the reading store selected by READING_STORE and
// returns the readiness probe that goes with it
func (c *Container) ReadingStore(ctx context.Context) (interfaces.ReadingRepository, health.Check, error) {
	switch c.config.Store.ReadingBackend {
	case config.ReadingStoreMemory:
		c.logger.Warn().Msg("readings are kept in memory and lost on restart")
		return implementation.NewMemoryReadingRepository(), health.Check{Name: "readings", Fn: func(context.Context) error { return nil }}, nil

	case config.ReadingStoreMongo:
		client, err := c.GetMongo()
		if err != nil {
			return nil, health.Check{}, err
		}
		coll := client.Database(c.config.Mongo.Database).Collection(c.config.Mongo.Collection)
		repo := implementation.NewMongoReadingRepository(coll)
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, health.Check{}, fmt.Errorf("preparing readings collection: %w", err)
		}
		return repo, health.Check{Name: "mongo", Fn: func(ctx context.Context) error { return client.Ping(ctx, nil) }}, nil

	case config.ReadingStoreTimescale, "":
		pool, err := c.GetTimescalePool()
		if err != nil {
			return nil, health.Check{}, err
		}
		repo := implementation.NewTimescaleReadingRepository(pool)
		return repo, health.Check{Name: "timescale", Fn: repo.Ping}, nil
	}
	return nil, health.Check{}, fmt.Errorf("unknown reading store %q", c.config.Store.ReadingBackend)
}

// Build wires the gateway. Nothing is started; the caller runs the
// background loops.
func (c *Container) Build(ctx context.Context) (*Services, error) {
	cfg := c.config

	db, err := c.GetDatabase()
	if err != nil {
		return nil, err
	}
	readings, readingsCheck, err := c.ReadingStore(ctx)
	if err != nil {
		return nil, err
	}

	topics := mqtmodels.Topics{SensorSuffix: cfg.MQTT.SensorSuffix, ServerSuffix: cfg.MQTT.ServerSuffix}
	sensors := implementation.NewPostgresSensorRepository(db)
	sessions := implementation.NewPostgresSessionRepository(db)

	brk := broker.NewManager(cfg.MQTT, c.logger)
	c.AddCleanupFunc(func() error {
		brk.Close()
		return nil
	})

	corr := correlator.New(c.logger, c.metrics)
	disp := dispatcher.New(corr, brk, sensors, topics, cfg.Commands, c.logger, c.metrics)
	sess := session.NewManager(
		sessions, readings, sensors, disp, topics,
		session.BrokerInfo{URL: cfg.MQTT.BrokerURL(), Username: cfg.MQTT.BrokerUser},
		cfg.Session, c.logger, c.metrics,
	)

	var opts []mqtingestor.Option
	var lastValues *cache.LastValueCache
	rdb, err := c.GetRedis()
	if err != nil {
		// the cache is optional; the gateway runs without it
		c.logger.Warn().Err(err).Msg("last-value cache disabled")
	} else if rdb != nil {
		lastValues = cache.NewLastValueCache(rdb, cfg.Redis.TTL)
		opts = append(opts, mqtingestor.WithLastValueCache(lastValues))
	}

	directory := mqtingestor.NewSensorDirectory(sensors, topics, c.logger)
	ing := mqtingestor.New(cfg.Ingest, brk, directory, corr, sess, readings, c.logger, c.metrics, opts...)

	checker := health.NewHealthChecker(2*time.Second,
		health.Check{Name: "postgres", Fn: db.PingContext},
		health.Check{Name: "broker", Fn: func(context.Context) error {
			if !brk.IsConnected() {
				return mqtmodels.ErrTransportUnavailable
			}
			return nil
		}},
		readingsCheck,
		health.Check{Name: "reading_writes", Fn: func(context.Context) error {
			if state, failures := ing.Breaker().Status(); state == mqtingestor.StateOpen {
				return fmt.Errorf("%w after %d failures", mqtingestor.ErrCircuitOpen, failures)
			}
			return nil
		}},
	)
	if lastValues != nil {
		checker.Add(health.Check{Name: "redis", Fn: lastValues.Ping, Optional: true})
	}

	return &Services{
		Broker:     brk,
		Correlator: corr,
		Dispatcher: disp,
		Sessions:   sess,
		Ingestor:   ing,
		Sensors:    sensors,
		LastValues: lastValues,
		Health:     checker,
	}, nil
}

// Shutdown gracefully shuts down the container and all its dependencies
func (c *Container) Shutdown(ctx context.Context) error {
	c.logger.Info().Msg("Shutting down container...")

	c.mu.Lock()
	funcs := c.cleanupFuncs
	c.cleanupFuncs = nil
	c.mu.Unlock()

	// Execute cleanup functions in reverse order
	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := funcs[i](); err != nil {
			c.logger.ErrorWithError(err, "Error during cleanup")
			errs = append(errs, err)
		}
	}

	c.logger.Info().Msg("Container shutdown complete")
	return errors.Join(errs...)
}

// AddCleanupFunc adds a cleanup function
func (c *Container) AddCleanupFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
