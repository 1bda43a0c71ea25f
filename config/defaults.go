package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "mnemos",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,

			RequestTimeout: 10 * time.Second,
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
				ExposedHeaders: []string{"X-Request-ID"},
				MaxAge:         300,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			DataDir:     "./data",
			RecordDB:    "records.db",
			LexicalDir:  "lexical",
			VectorFile:  "vectors.bin",
			BusyTimeout: 10 * time.Second,
			SyncWrites:  true,
		},
		Retrieval: RetrievalConfig{
			RRFK:                60,
			RelevanceWeight:     0.5,
			ImportanceWeight:    0.25,
			RecencyWeight:       0.25,
			DecayRate:           0.01,
			DedupThreshold:      0.85,
			PathTimeout:         3 * time.Second,
			CandidateMultiplier: 3,
			MinCandidates:       30,
			DefaultK:            5,
		},
		Lexical: LexicalConfig{
			K1: 1.5,
			B:  0.75,
		},
		Embedding: EmbeddingConfig{
			Provider:  "hashing",
			Model:     "text-embedding-3-small",
			Dimension: 256,
			Timeout:   30 * time.Second,
			RateLimit: 10,
			Burst:     5,
			CacheSize: 1024,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			RunAt:             "00:05",
			DecayRate:         0.01,
			CleanupEnabled:    true,
			CleanupDays:       30,
			CleanupImportance: 0.3,
			StateFile:         "scheduler_state.json",
		},
		Backup: BackupConfig{
			Enabled:       true,
			Dir:           "backups",
			RetentionDays: 7,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
