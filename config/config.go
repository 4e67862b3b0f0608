package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/fern/internal/repositories/pgstore"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/scanner"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	AppName                       string        `env:"APP_NAME" env-default:"fern-api"`
	AppVersion                    string        `env:"APP_VERSION" env-default:"dev"`
	Port                          int           `env:"PORT" env-default:"3004"`
	LogLevel                      string        `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool          `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int           `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int           `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int           `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int           `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int           `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string      `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	StartupMaxAttempts            int           `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`
	ShutdownTimeout               time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"15s"`
	CacheRedisPrefix              string        `env:"CACHE_REDIS_PREFIX" env-default:"fern:"`

	// Store: postgres, or memory for local runs and demos
	StoreDriver string `env:"STORE_DRIVER" env-default:"postgres"`

	// PostgreSQL
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`
	// CandidateTrigramThreshold enables the pg_trgm candidate branch when above zero
	CandidateTrigramThreshold float64 `env:"CANDIDATE_TRIGRAM_THRESHOLD" env-default:"0"`

	// Redis (L2 resolution cache and scan lease)
	RedisEnabled  bool          `env:"REDIS_ENABLED" env-default:"false"`
	RedisHost     string        `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int           `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string        `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int           `env:"REDIS_DB" env-default:"0"`
	RedisCacheTTL time.Duration `env:"REDIS_CACHE_TTL" env-default:"1h"`

	// Resolution cache
	CacheShards   int `env:"CACHE_SHARDS" env-default:"16"`
	CacheCapacity int `env:"CACHE_CAPACITY" env-default:"100000"`

	// Matching tiers
	ExactIDConfidence  float64 `env:"MATCH_EXACT_ID_CONFIDENCE" env-default:"1.0"`
	DomainConfidence   float64 `env:"MATCH_DOMAIN_CONFIDENCE" env-default:"0.95"`
	NameLocationMin    float64 `env:"MATCH_NAME_LOCATION_MIN_SIMILARITY" env-default:"0.8"`
	NameLocationBase   float64 `env:"MATCH_NAME_LOCATION_BASE" env-default:"0.85"`
	NameLocationWeight float64 `env:"MATCH_NAME_LOCATION_WEIGHT" env-default:"0.10"`
	NameLocationCap    float64 `env:"MATCH_NAME_LOCATION_CAP" env-default:"0.95"`
	NameOnlyMin        float64 `env:"MATCH_NAME_ONLY_MIN_SIMILARITY" env-default:"0.6"`
	NameOnlyBase       float64 `env:"MATCH_NAME_ONLY_BASE" env-default:"0.70"`
	NameOnlyWeight     float64 `env:"MATCH_NAME_ONLY_WEIGHT" env-default:"0.15"`
	NameOnlyCap        float64 `env:"MATCH_NAME_ONLY_CAP" env-default:"0.85"`
	CandidateLimit     int     `env:"CANDIDATE_LIMIT" env-default:"50"`
	TrigramLimit       int     `env:"CANDIDATE_TRIGRAM_LIMIT" env-default:"10"`

	// Resolver policy
	AutoAttachThreshold float64       `env:"AUTO_ATTACH_THRESHOLD" env-default:"0.90"`
	ReviewThreshold     float64       `env:"REVIEW_THRESHOLD" env-default:"0.70"`
	MaxConflictRetries  int           `env:"MAX_CONFLICT_RETRIES" env-default:"5"`
	MaxTransientRetries int           `env:"MAX_TRANSIENT_RETRIES" env-default:"3"`
	RetryBackoffBase    time.Duration `env:"RETRY_BACKOFF_BASE" env-default:"50ms"`
	RetryBackoffMax     time.Duration `env:"RETRY_BACKOFF_MAX" env-default:"1s"`

	// Duplicate scanner
	ScanPageSize      int           `env:"SCAN_PAGE_SIZE" env-default:"500"`
	ScanConcurrency   int           `env:"SCAN_CONCURRENCY" env-default:"4"`
	ScanMinConfidence float64       `env:"SCAN_MIN_CONFIDENCE" env-default:"0.70"`
	ScanMaxConfidence float64       `env:"SCAN_MAX_CONFIDENCE" env-default:"0.90"`
	ScanLimit         int           `env:"SCAN_LIMIT" env-default:"100"`
	ScanJobEnabled    bool          `env:"SCAN_JOB_ENABLED" env-default:"false"`
	ScanJobInterval   time.Duration `env:"SCAN_JOB_INTERVAL" env-default:"1h"`
	ScanJobLeaseTTL   time.Duration `env:"SCAN_JOB_LEASE_TTL" env-default:"0s"`

	// Kafka
	KafkaBrokers         []string      `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaConsumerEnabled bool          `env:"KAFKA_CONSUMER_ENABLED" env-default:"false"`
	KafkaMentionsTopic   string        `env:"KAFKA_MENTIONS_TOPIC" env-default:"fern.mentions"`
	KafkaConsumerGroup   string        `env:"KAFKA_CONSUMER_GROUP" env-default:"fern-resolver"`
	KafkaProducerEnabled bool          `env:"KAFKA_PRODUCER_ENABLED" env-default:"false"`
	KafkaEventsTopic     string        `env:"KAFKA_EVENTS_TOPIC" env-default:"fern.entity-events"`
	KafkaResultsTopic    string        `env:"KAFKA_RESULTS_TOPIC" env-default:"fern.resolutions"`
	KafkaDuplicatesTopic string        `env:"KAFKA_DUPLICATES_TOPIC" env-default:"fern.duplicates"`
	KafkaBatchSize       int           `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout    int           `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks    int           `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression     string        `env:"KAFKA_COMPRESSION" env-default:"snappy"`
	KafkaMaxAttempts     int           `env:"KAFKA_MAX_ATTEMPTS" env-default:"3"`
	KafkaRetryBackoff    time.Duration `env:"KAFKA_RETRY_BACKOFF" env-default:"200ms"`

	// Graph lineage projection
	GraphEnabled    bool   `env:"GRAPH_ENABLED" env-default:"false"`
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`

	// Tracing
	TracingEnabled  bool    `env:"TRACING_ENABLED" env-default:"false"`
	TracingExporter string  `env:"TRACING_EXPORTER" env-default:"grpc"`
	TracingEndpoint string  `env:"TRACING_ENDPOINT" env-default:"localhost:4317"`
	TracingInsecure bool    `env:"TRACING_INSECURE" env-default:"true"`
	TracingSample   float64 `env:"TRACING_SAMPLE_RATIO" env-default:"1.0"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Connection() database.ConnectionConfig {
	return database.ConnectionConfig{
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		User:            c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

func (c *Config) Migration() *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: c.DatabaseMigrationFolderPath,
		Version:             uint(c.DatabaseMigrationVersion),
		Force:               c.DatabaseMigrationForce,
		AutoRollback:        c.DatabaseMigrationAutoRollback,
	}
}

func (c *Config) PGStore() pgstore.Config {
	return pgstore.Config{TrigramThreshold: c.CandidateTrigramThreshold, TrigramLimit: c.TrigramLimit}
}

func (c *Config) Matching() matching.Config {
	return matching.Config{
		ExactIDConfidence: c.ExactIDConfidence,
		DomainConfidence:  c.DomainConfidence,
		NameLocation: matching.FuzzyTier{
			MinSimilarity: c.NameLocationMin,
			Base:          c.NameLocationBase,
			Weight:        c.NameLocationWeight,
			Cap:           c.NameLocationCap,
		},
		NameOnly: matching.FuzzyTier{
			MinSimilarity: c.NameOnlyMin,
			Base:          c.NameOnlyBase,
			Weight:        c.NameOnlyWeight,
			Cap:           c.NameOnlyCap,
		},
	}
}

func (c *Config) Locator() locator.Config {
	return locator.Config{CandidateLimit: c.CandidateLimit}
}

func (c *Config) Resolver() resolver.Config {
	return resolver.Config{
		AutoAttachThreshold: c.AutoAttachThreshold,
		ReviewThreshold:     c.ReviewThreshold,
		MaxConflictRetries:  c.MaxConflictRetries,
		MaxTransientRetries: c.MaxTransientRetries,
		BackoffBase:         c.RetryBackoffBase,
		BackoffMax:          c.RetryBackoffMax,
	}
}

func (c *Config) Scanner() scanner.Config {
	return scanner.Config{
		PageSize:      c.ScanPageSize,
		Concurrency:   c.ScanConcurrency,
		MinConfidence: c.ScanMinConfidence,
		MaxConfidence: c.ScanMaxConfidence,
		Limit:         c.ScanLimit,
	}
}

func (c *Config) ScanJob() scanner.JobConfig {
	return scanner.JobConfig{
		Interval: c.ScanJobInterval,
		LeaseTTL: c.ScanJobLeaseTTL,
		Query: scanner.Query{
			MinConfidence: c.ScanMinConfidence,
			MaxConfidence: c.ScanMaxConfidence,
			Limit:         c.ScanLimit,
		},
	}
}

func (c *Config) Redis() redis.Config {
	return redis.Config{Host: c.RedisHost, Port: c.RedisPort, Password: c.RedisPassword, DB: c.RedisDB}
}

func (c *Config) Graph() graph.Config {
	return graph.Config{Host: c.GraphDBHost, Port: c.GraphDBPort, Username: c.GraphDBUser, Password: c.GraphDBPassword}
}

// Producer configures a producer for one of the output topics.
func (c *Config) Producer(topic string) kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:      c.KafkaBrokers,
		Topic:        topic,
		BatchSize:    c.KafkaBatchSize,
		BatchTimeout: time.Duration(c.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: c.KafkaRequiredAcks,
		Compression:  c.KafkaCompression,
	}
}

func (c *Config) Consumer() kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		Brokers:       c.KafkaBrokers,
		Topic:         c.KafkaMentionsTopic,
		ConsumerGroup: c.KafkaConsumerGroup,
		MaxAttempts:   c.KafkaMaxAttempts,
		RetryBackoff:  c.KafkaRetryBackoff,
	}
}

func (c *Config) Tracing() tracing.ProviderConfig {
	otlp := exporters.DefaultOTLPConfig()
	otlp.Endpoint = c.TracingEndpoint
	otlp.Protocol = c.TracingExporter
	otlp.Insecure = c.TracingInsecure
	return tracing.ProviderConfig{
		ServiceName: c.AppName,
		Version:     c.AppVersion,
		Exporter:    otlp,
		Enabled:     c.TracingEnabled,
		SampleRatio: c.TracingSample,
	}
}
