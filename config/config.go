// Package config provides configuration management for mnemos.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for mnemos.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage locates the record store and the index files.
	Storage StorageConfig `mapstructure:"storage" validate:"required"`

	// Retrieval tunes rank fusion and the hybrid retriever.
	Retrieval RetrievalConfig `mapstructure:"retrieval" validate:"required"`

	// Lexical tunes the BM25 index.
	Lexical LexicalConfig `mapstructure:"lexical"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `mapstructure:"embedding" validate:"required"`

	// Scheduler configures the daily decay and cleanup job.
	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	// Backup configures record store backups.
	Backup BackupConfig `mapstructure:"backup"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Enabled starts the HTTP server in serve mode.
	Enabled bool `mapstructure:"enabled"`

	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing a response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the keep-alive idle timeout.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// RequestTimeout bounds the context of every API request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// CORS controls cross-origin access to the API.
	CORS CORSConfig `mapstructure:"cors"`
}

// CORSConfig holds cross-origin settings for the HTTP API.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// DataDir is the root directory for all engine state.
	DataDir string `mapstructure:"data_dir" validate:"required"`

	// RecordDB is the SQLite record store file name, relative to DataDir.
	RecordDB string `mapstructure:"record_db" validate:"required"`

	// LexicalDir is the Badger directory for lexical index rows, relative to DataDir.
	LexicalDir string `mapstructure:"lexical_dir" validate:"required"`

	// VectorFile is the vector index file name, relative to DataDir.
	VectorFile string `mapstructure:"vector_file" validate:"required"`

	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	// SyncWrites enables synchronous Badger writes.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// RetrievalConfig holds rank fusion and hybrid retrieval settings.
type RetrievalConfig struct {
	// RRFK is the reciprocal rank fusion constant.
	RRFK float64 `mapstructure:"rrf_k" validate:"gt=0"`

	// RelevanceWeight weights the normalized RRF score.
	RelevanceWeight float64 `mapstructure:"relevance_weight" validate:"min=0,max=1"`

	// ImportanceWeight weights record importance.
	ImportanceWeight float64 `mapstructure:"importance_weight" validate:"min=0,max=1"`

	// RecencyWeight weights the time-decayed recency factor.
	RecencyWeight float64 `mapstructure:"recency_weight" validate:"min=0,max=1"`

	// DecayRate is the per-day rate of the recency factor.
	DecayRate float64 `mapstructure:"decay_rate" validate:"min=0"`

	// DedupThreshold is the Jaccard similarity at which a lower ranked result is dropped.
	DedupThreshold float64 `mapstructure:"dedup_threshold" validate:"gt=0,max=1"`

	// PathTimeout bounds each retrieval path.
	PathTimeout time.Duration `mapstructure:"path_timeout" validate:"gt=0"`

	// CandidateMultiplier scales k into the per-path candidate count.
	CandidateMultiplier int `mapstructure:"candidate_multiplier" validate:"min=1"`

	// MinCandidates is the floor of the per-path candidate count.
	MinCandidates int `mapstructure:"min_candidates" validate:"min=1"`

	// DefaultK is used when a search asks for k <= 0.
	DefaultK int `mapstructure:"default_k" validate:"min=1"`
}

// LexicalConfig holds BM25 settings.
type LexicalConfig struct {
	// K1 controls term frequency saturation.
	K1 float64 `mapstructure:"k1" validate:"gt=0"`

	// B controls document length normalization.
	B float64 `mapstructure:"b" validate:"min=0,max=1"`

	// StopwordsFile optionally extends the built-in stopword list, one word per line.
	StopwordsFile string `mapstructure:"stopwords_file"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the backend (openai, ollama, hashing).
	Provider string `mapstructure:"provider" validate:"oneof=openai ollama hashing"`

	// Model is the embedding model name.
	Model string `mapstructure:"model"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `mapstructure:"base_url"`

	// APIKey authenticates against the provider.
	APIKey string `mapstructure:"api_key"`

	// Dimension is the embedding vector size.
	Dimension int `mapstructure:"dimension" validate:"min=1"`

	// Timeout bounds a single embedding call.
	Timeout time.Duration `mapstructure:"timeout"`

	// RateLimit is the sustained number of calls per second (0 disables limiting).
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`

	// Burst is the rate limiter burst size.
	Burst int `mapstructure:"burst" validate:"min=0"`

	// CacheSize is the number of query embeddings kept in memory (0 disables caching).
	CacheSize int64 `mapstructure:"cache_size" validate:"min=0"`

	// Strict makes add fail when the vector insert fails.
	Strict bool `mapstructure:"strict"`
}

// SchedulerConfig holds the daily maintenance job settings.
type SchedulerConfig struct {
	// Enabled starts the scheduler in serve mode.
	Enabled bool `mapstructure:"enabled"`

	// RunAt is the local time of day (HH:MM) the job runs.
	RunAt string `mapstructure:"run_at" validate:"omitempty,clock"`

	// DecayRate is the daily importance decay rate (0 disables decay).
	DecayRate float64 `mapstructure:"decay_rate" validate:"min=0,max=1"`

	// CleanupEnabled enables the cleanup sweep after decay.
	CleanupEnabled bool `mapstructure:"cleanup_enabled"`

	// CleanupDays is the age threshold in days.
	CleanupDays int `mapstructure:"cleanup_days"`

	// CleanupImportance is the importance threshold.
	CleanupImportance float64 `mapstructure:"cleanup_importance" validate:"min=0,max=1"`

	// StateFile records the last run date, relative to Storage.DataDir.
	StateFile string `mapstructure:"state_file"`
}

// BackupConfig holds backup settings.
type BackupConfig struct {
	// Enabled takes a backup before destructive maintenance.
	Enabled bool `mapstructure:"enabled"`

	// Dir is the backup directory, relative to Storage.DataDir unless absolute.
	Dir string `mapstructure:"dir"`

	// RetentionDays is how long backups are kept.
	RetentionDays int `mapstructure:"retention_days" validate:"min=1"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the tracing exporter (otlp).
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlp"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Headers are extra headers sent to the collector.
	Headers map[string]string `mapstructure:"headers"`

	// Timeout bounds a single export.
	Timeout time.Duration `mapstructure:"timeout"`

	// Sampler is the sampling strategy (always_on, always_off, ratio).
	Sampler string `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off ratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Env: %s, DataDir: %s, Embedding: %s}",
		c.App.Name, c.App.Environment, c.Storage.DataDir, c.Embedding.Provider)
}
