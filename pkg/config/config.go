// Package config loads and validates the co-occurrence builder configuration
// from YAML files with environment-variable overrides. It provides typed
// structs for the run itself (vocabulary, source, checkpoint, export) and for
// the optional infrastructure the run publishes to (Postgres, Kafka, Redis,
// object storage, metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/errors"
)

// Config is the top-level application configuration.
type Config struct {
	Run         RunConfig         `yaml:"run"`
	Vocabulary  VocabularyConfig  `yaml:"vocabulary"`
	Source      SourceConfig      `yaml:"source"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Export      ExportConfig      `yaml:"export"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// RunConfig controls the accumulation pass.
type RunConfig struct {
	// MinScore is the inclusive relevance threshold a concept reference
	// must reach to be counted.
	MinScore float64 `yaml:"minScore"`
	// Workers is the number of source units processed concurrently.
	Workers int `yaml:"workers"`
	// MaxUnits caps the number of source units (smoke-test mode). Zero
	// means no cap.
	MaxUnits int  `yaml:"maxUnits"`
	Resume   bool `yaml:"resume"`
	// ProgressEvery reports progress every N completed units.
	ProgressEvery int `yaml:"progressEvery"`
}

// VocabularyConfig points at the two inputs of the vocabulary loader.
type VocabularyConfig struct {
	StrataPath     string `yaml:"strataPath"`
	ConceptMapPath string `yaml:"conceptMapPath"`
}

// SourceConfig describes the local directory of compressed record chunks.
type SourceConfig struct {
	WorksDir     string `yaml:"worksDir"`
	Pattern      string `yaml:"pattern"`
	MaxLineBytes int    `yaml:"maxLineBytes"`
}

// CheckpointConfig controls flush cadence and resume verification.
type CheckpointConfig struct {
	Dir              string `yaml:"dir"`
	Every            int    `yaml:"every"`
	VerifyVocabulary bool   `yaml:"verifyVocabulary"`
}

// ExportConfig controls where and how the final artifacts are written.
type ExportConfig struct {
	Dir        string `yaml:"dir"`
	MatrixFile string `yaml:"matrixFile"`
	IndexFile  string `yaml:"indexFile"`
	Format     string `yaml:"format"`
	TopK       int    `yaml:"topK"`
}

// PostgresConfig holds PostgreSQL connection parameters for the run ledger.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled bool        `yaml:"enabled"`
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	MatrixExported string `yaml:"matrixExported"`
}

// RedisConfig holds Redis connection parameters for the progress mirror.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"poolSize"`
	KeyPrefix   string        `yaml:"keyPrefix"`
	ProgressTTL time.Duration `yaml:"progressTTL"`
}

// ObjectStoreConfig holds S3-compatible storage settings for artifact upload.
type ObjectStoreConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"useSSL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Export formats understood by the exporter.
const (
	FormatBinary = "binary"
	FormatTSV    = "tsv"
)

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate checks the settings the run cannot start without.
func (c *Config) Validate() error {
	var problems []string
	if c.Run.MinScore < 0 || c.Run.MinScore > 1 {
		problems = append(problems, fmt.Sprintf("run.minScore %v outside [0,1]", c.Run.MinScore))
	}
	if c.Run.Workers < 1 {
		problems = append(problems, "run.workers must be at least 1")
	}
	if c.Run.MaxUnits < 0 {
		problems = append(problems, "run.maxUnits must not be negative")
	}
	if c.Vocabulary.StrataPath == "" {
		problems = append(problems, "vocabulary.strataPath is required")
	}
	if c.Vocabulary.ConceptMapPath == "" {
		problems = append(problems, "vocabulary.conceptMapPath is required")
	}
	if c.Source.WorksDir == "" {
		problems = append(problems, "source.worksDir is required")
	}
	if c.Checkpoint.Dir == "" {
		problems = append(problems, "checkpoint.dir is required")
	}
	if c.Checkpoint.Every < 1 {
		problems = append(problems, "checkpoint.every must be at least 1")
	}
	if c.Export.Dir == "" {
		problems = append(problems, "export.dir is required")
	}
	switch c.Export.Format {
	case FormatBinary, FormatTSV:
	default:
		problems = append(problems, fmt.Sprintf("export.format %q is not one of binary, tsv", c.Export.Format))
	}
	if c.ObjectStore.Enabled && c.ObjectStore.Bucket == "" {
		problems = append(problems, "objectStore.bucket is required when enabled")
	}
	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// defaultConfig returns a Config with the defaults of a local full-snapshot
// run.
func defaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			MinScore:      0.3,
			Workers:       1,
			ProgressEvery: 1,
		},
		Vocabulary: VocabularyConfig{
			StrataPath:     "data/core/strates_export_v2.json",
			ConceptMapPath: "data/core/openalex_map.json",
		},
		Source: SourceConfig{
			WorksDir:     "data/works",
			Pattern:      "*.gz",
			MaxLineBytes: 64 << 20,
		},
		Checkpoint: CheckpointConfig{
			Dir:   "data/pluie",
			Every: 50,
		},
		Export: ExportConfig{
			Dir:        "data/pluie",
			MatrixFile: "cooccurrence_matrix.coom",
			IndexFile:  "matrix_index.json",
			Format:     FormatBinary,
			TopK:       20,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "cooccurrence",
			User:            "cooccurrence",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topics: KafkaTopics{
				MatrixExported: "matrix.exported",
			},
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    4,
			KeyPrefix:   "cooccurrence:run:",
			ProgressTTL: 24 * time.Hour,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint: "localhost:9000",
			Prefix:   "cooccurrence/",
			Region:   "us-east-1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
	}
}

// applyEnvOverrides reads CO_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CO_MIN_SCORE"); v != "" {
		if score, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Run.MinScore = score
		}
	}
	if v := os.Getenv("CO_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Run.Workers = n
		}
	}
	if v := os.Getenv("CO_STRATA_PATH"); v != "" {
		cfg.Vocabulary.StrataPath = v
	}
	if v := os.Getenv("CO_CONCEPT_MAP_PATH"); v != "" {
		cfg.Vocabulary.ConceptMapPath = v
	}
	if v := os.Getenv("CO_WORKS_DIR"); v != "" {
		cfg.Source.WorksDir = v
	}
	if v := os.Getenv("CO_OUTPUT_DIR"); v != "" {
		cfg.Checkpoint.Dir = v
		cfg.Export.Dir = v
	}
	if v := os.Getenv("CO_CHECKPOINT_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Checkpoint.Every = n
		}
	}
	if v := os.Getenv("CO_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("CO_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("CO_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("CO_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CO_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CO_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CO_OBJECTSTORE_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("CO_OBJECTSTORE_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("CO_OBJECTSTORE_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("CO_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CO_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
