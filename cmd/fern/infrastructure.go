package main

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/pgstore"
	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/scanner"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

// infrastructure holds the external connections; each is filled in by its startup dependency.
type infrastructure struct {
	cfg     *config.Config
	logger  ectologger.Logger
	checker *health.Checker

	store store.Store
	cache cache.Cache
	sinks events.Multi

	db           database.DB
	redis        *redis.Client
	locker       *redis.Locker
	graph        *graph.Client
	eventsOut    *kafka.Producer
	resultsOut   *kafka.Producer
	duplicateOut *kafka.Producer
}

func newInfrastructure(cfg *config.Config, logger ectologger.Logger, checker *health.Checker) *infrastructure {
	return &infrastructure{
		cfg:     cfg,
		logger:  logger,
		checker: checker,
		cache:   cache.NewSharded(cfg.CacheShards, cfg.CacheCapacity),
	}
}

func (i *infrastructure) register(boot *startup.Startup) {
	boot.AddDependency(startup.Dependency{Name: "store", OnStart: i.startStore, OnStop: i.stopStore})
	if i.cfg.RedisEnabled {
		boot.AddDependency(startup.Dependency{Name: "redis", OnStart: i.startRedis, OnStop: i.stopRedis})
	}
	if i.cfg.GraphEnabled {
		boot.AddDependency(startup.Dependency{Name: "graph", OnStart: i.startGraph, OnStop: i.stopGraph})
	}
	if i.cfg.KafkaProducerEnabled {
		boot.AddDependency(startup.Dependency{Name: "kafka-producers", OnStart: i.startProducers, OnStop: i.stopProducers})
	}
}

func (i *infrastructure) startStore(ctx context.Context) error {
	switch i.cfg.StoreDriver {
	case config.StoreDriverMemory:
		i.logger.Warn("Using the in-memory store; state is lost on restart")
		i.store = memory.New()
		return nil
	case config.StoreDriverPostgres:
	default:
		return fmt.Errorf("unknown store driver %q", i.cfg.StoreDriver)
	}

	db, err := database.Connect(ctx, i.cfg.Connection(), i.logger)
	if err != nil {
		return err
	}
	migrations := database.NewMigrationService(i.logger, i.cfg.Migration())
	if err := migrations.MigratePostgres(db.SQL(), i.cfg.DatabaseName); err != nil {
		_ = db.Close()
		return err
	}

	i.db = db
	i.store = pgstore.New(db, i.logger, i.cfg.PGStore())
	i.checker.AddCheck("postgres", db.PingContext)
	return nil
}

func (i *infrastructure) stopStore(context.Context) error {
	if i.db == nil {
		return nil
	}
	return i.db.Close()
}

func (i *infrastructure) startRedis(ctx context.Context) error {
	client, err := redis.NewClient(ctx, i.cfg.Redis(), i.logger)
	if err != nil {
		return err
	}
	i.redis = client
	i.locker = redis.NewLocker(client.Redis(), i.logger, i.cfg.CacheRedisPrefix+"lock:")
	i.cache = cache.NewTiered(i.cache, cache.NewRedis(client.Redis(), i.logger, i.cfg.CacheRedisPrefix, i.cfg.RedisCacheTTL))
	i.checker.AddCheck("redis", client.Ping)
	return nil
}

func (i *infrastructure) stopRedis(context.Context) error {
	if i.redis == nil {
		return nil
	}
	return i.redis.Close()
}

func (i *infrastructure) startGraph(ctx context.Context) error {
	client, err := graph.NewClient(i.cfg.Graph(), i.logger)
	if err != nil {
		return err
	}
	if err := client.VerifyConnectivity(ctx); err != nil {
		_ = client.Close(ctx)
		return err
	}
	if err := client.EnsureSchema(ctx); err != nil {
		_ = client.Close(ctx)
		return err
	}
	i.graph = client
	i.sinks = append(i.sinks, graph.NewProjector(client, i.logger))
	i.checker.AddCheck("graph", client.VerifyConnectivity)
	return nil
}

func (i *infrastructure) stopGraph(ctx context.Context) error {
	if i.graph == nil {
		return nil
	}
	return i.graph.Close(ctx)
}

func (i *infrastructure) startProducers(context.Context) error {
	i.eventsOut = kafka.NewProducer(i.cfg.Producer(i.cfg.KafkaEventsTopic), i.logger)
	i.resultsOut = kafka.NewProducer(i.cfg.Producer(i.cfg.KafkaResultsTopic), i.logger)
	i.duplicateOut = kafka.NewProducer(i.cfg.Producer(i.cfg.KafkaDuplicatesTopic), i.logger)
	i.sinks = append(i.sinks, events.NewKafkaSink(i.eventsOut))
	return nil
}

func (i *infrastructure) stopProducers(context.Context) error {
	var firstErr error
	for _, p := range []*kafka.Producer{i.eventsOut, i.resultsOut, i.duplicateOut} {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (i *infrastructure) sink() events.Sink {
	if len(i.sinks) == 0 {
		return nil
	}
	return i.sinks
}

// The accessors below return untyped nils so callers can test the interfaces against nil.

func (i *infrastructure) resultPublisher() ingest.ResultPublisher {
	if i.resultsOut == nil {
		return nil
	}
	return i.resultsOut
}

func (i *infrastructure) duplicatePublisher() scanner.PairPublisher {
	if i.duplicateOut == nil {
		return nil
	}
	return i.duplicateOut
}

func (i *infrastructure) lease() scanner.Lease {
	if i.locker == nil {
		return nil
	}
	return i.locker
}
