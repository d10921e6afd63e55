package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Zilliz    ZillizConfig
	Workspace WorkspaceConfig
	Ingestion IngestionConfig
	Worker    WorkerConfig
	Status    StatusConfig
	Estimator EstimatorConfig
	Cleanup   CleanupConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host                 string
	Port                 int
	ReadTimeout          int
	WriteTimeout         int
	BodyLimit            int
	AllowedOrigins       string
	RateLimitPerMinute   int
	MaxDocumentIDs       int
	StatusPushIntervalMs int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type ZillizConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	TimeoutSec     int
}

type WorkspaceConfig struct {
	Root string
}

type IngestionConfig struct {
	ParserPath      string
	ParserArgs      []string
	ParseTimeoutSec int
	MaxInlineBytes  int64
	PreviewBytes    int
	EmbeddingModel  string
}

type WorkerConfig struct {
	IndexerPath     string
	IndexerArgs     []string
	IndexTimeoutSec int
	Concurrency     int
	IdleSleepMs     int
	StaleClaimSec   int
	MaxJobs         int
	Daemon          bool
	MetricsAddr     string
}

type StatusConfig struct {
	Backend string
	TTLSec  int
}

type EstimatorConfig struct {
	DefaultSecPerMB float64
	MinEstimateSec  float64
	WindowDays      int
}

type CleanupConfig struct {
	BatchSize      int
	SoftDelayDays  int
	PurgeDelayDays int
	Schedule       string
}

type MetricsConfig struct {
	RotateBytes int64
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (c IngestionConfig) ParseTimeout() time.Duration {
	return time.Duration(c.ParseTimeoutSec) * time.Second
}

func (c WorkerConfig) IndexTimeout() time.Duration {
	return time.Duration(c.IndexTimeoutSec) * time.Second
}

func (c WorkerConfig) IdleSleep() time.Duration {
	return time.Duration(c.IdleSleepMs) * time.Millisecond
}

func (c WorkerConfig) StaleClaim() time.Duration {
	return time.Duration(c.StaleClaimSec) * time.Second
}

func (c StatusConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

func (c EstimatorConfig) Window() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
}

// Load reads config.yaml (if any), DOCCHAT_* environment variables and the
// optional command line flags, in increasing order of precedence.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/docchat")

	v.SetEnvPrefix("DOCCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if path, err := flags.GetString("config"); err == nil && path != "" {
			v.SetConfigFile(path)
		}
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Workspace.Root == "" {
		return nil, fmt.Errorf("workspace.root must be configured")
	}
	config.Workspace.Root = filepath.Clean(config.Workspace.Root)

	return &config, nil
}

// bindFlags maps the binaries' kebab-case flags onto config keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	keys := map[string]string{
		"max-jobs":     "worker.maxJobs",
		"daemon":       "worker.daemon",
		"concurrency":  "worker.concurrency",
		"metrics-addr": "worker.metricsAddr",
		"schedule":     "cleanup.schedule",
		"workspace":    "workspace.root",
	}
	for name, key := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 300)
	v.SetDefault("server.bodyLimit", 104857600)
	v.SetDefault("server.allowedOrigins", "*")
	v.SetDefault("server.rateLimitPerMinute", 240)
	v.SetDefault("server.maxDocumentIDs", 200)
	v.SetDefault("server.statusPushIntervalMs", 2000)

	v.SetDefault("sqlite.path", "./data/docchat.db")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("zilliz.endpoint", "")
	v.SetDefault("zilliz.collectionName", "chat_documents")
	v.SetDefault("zilliz.timeoutSec", 30)

	v.SetDefault("workspace.root", "./var/rag")

	v.SetDefault("ingestion.parserPath", "./bin/parser_multi")
	v.SetDefault("ingestion.parserArgs", []string{})
	v.SetDefault("ingestion.parseTimeoutSec", 120)
	v.SetDefault("ingestion.maxInlineBytes", 2*1024*1024)
	v.SetDefault("ingestion.previewBytes", 800)
	v.SetDefault("ingestion.embeddingModel", "text-embedding-3-large")

	v.SetDefault("worker.indexerPath", "./bin/build_index")
	v.SetDefault("worker.indexerArgs", []string{"--json"})
	v.SetDefault("worker.indexTimeoutSec", 1800)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.idleSleepMs", 2000)
	v.SetDefault("worker.staleClaimSec", 3600)
	v.SetDefault("worker.maxJobs", 0)
	v.SetDefault("worker.daemon", false)
	v.SetDefault("worker.metricsAddr", "")

	v.SetDefault("status.backend", "file")
	v.SetDefault("status.ttlSec", 86400)

	v.SetDefault("estimator.defaultSecPerMB", 25.0)
	v.SetDefault("estimator.minEstimateSec", 2.0)
	v.SetDefault("estimator.windowDays", 90)

	v.SetDefault("cleanup.batchSize", 256)
	v.SetDefault("cleanup.softDelayDays", 0)
	v.SetDefault("cleanup.purgeDelayDays", 30)
	v.SetDefault("cleanup.schedule", "")

	v.SetDefault("metrics.rotateBytes", 64*1024*1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
