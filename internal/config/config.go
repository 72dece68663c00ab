// Package config provides configuration management for engram.
// Settings are built from defaults, overlaid by an optional YAML file
// (path in ENGRAM_CONFIG), then overlaid by ENGRAM_* environment variables.
// The result is validated once at startup and passed down; nothing reads
// configuration from global state afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration settings for engram.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Scorer        ScorerConfig        `yaml:"scorer"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Backup        BackupConfig        `yaml:"backup"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 6464
	Host         string        `yaml:"host"`          // default: 127.0.0.1
	RateLimit    float64       `yaml:"rate_limit"`    // sustained requests per second (default: 20)
	RateBurst    int           `yaml:"rate_burst"`    // default: 40
	TickInterval time.Duration `yaml:"tick_interval"` // consolidation schedule (default: 1m)
	EnableStream bool          `yaml:"enable_stream"` // serve /ws report stream (default: true)
}

// StorageConfig selects and configures the store adapters.
type StorageConfig struct {
	DataPath        string `yaml:"data_path"`        // default: ./data
	SemanticBackend string `yaml:"semantic_backend"` // sqlite, postgres or chromem (default: sqlite)
	GraphBackend    string `yaml:"graph_backend"`    // sqlite or neo4j (default: sqlite)
	PostgresDSN     string `yaml:"postgres_dsn"`
	ChromemPath     string `yaml:"chromem_path"` // empty keeps the chromem collection in memory
	Neo4jURI        string `yaml:"neo4j_uri"`
	Neo4jUsername   string `yaml:"neo4j_username"`
	Neo4jPassword   string `yaml:"neo4j_password"`
	Neo4jDatabase   string `yaml:"neo4j_database"`
}

// SQLitePath returns the SQLite database file inside DataPath.
func (s StorageConfig) SQLitePath() string {
	return s.DataPath + "/engram.db"
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"` // ollama, openai or hash (default: ollama)
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Dimension int           `yaml:"dimension"`  // fixed per deployment (default: 768)
	Timeout   time.Duration `yaml:"timeout"`    // per call (default: 5s)
	CacheSize int64         `yaml:"cache_size"` // cached query embeddings (default: 1024)
}

// ScorerConfig selects the importance scorer.
type ScorerConfig struct {
	Kind      string        `yaml:"kind"`     // keyword or llm (default: keyword)
	Provider  string        `yaml:"provider"` // anthropic, openai or ollama (default: anthropic)
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"` // empty uses the provider default
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`    // default: 10s
	CacheSize int64         `yaml:"cache_size"` // memoized scores (default: 4096)
}

// ConsolidationConfig holds the consolidation thresholds.
type ConsolidationConfig struct {
	MinDwell         time.Duration `yaml:"min_dwell"`          // default: 5m
	BatchSize        int           `yaml:"batch_size"`         // default: 100
	PromoteThreshold float64       `yaml:"promote_threshold"`  // default: 0.7
	RetainThreshold  float64       `yaml:"retain_threshold"`   // default: 0.5
	PurgeThreshold   float64       `yaml:"purge_threshold"`    // default: 0.3
	ArchiveAfter     time.Duration `yaml:"archive_after"`      // default: 24h
	PurgeAfter       time.Duration `yaml:"purge_after"`        // default: 48h
	RetainMax        time.Duration `yaml:"retain_max"`         // default: 168h
	WorkingCap       int           `yaml:"working_cap"`        // default: 100
	MaxEmbedFailures int           `yaml:"max_embed_failures"` // default: 3
	RetryBackoff     time.Duration `yaml:"retry_backoff"`      // first embed retry delay (default: 1m)
	RetentionPolicy  string        `yaml:"retention_policy"`   // delete or mark (default: delete)
	TriggerRate      float64       `yaml:"trigger_rate"`       // triggered passes per second (default: 0.2)
}

// RetrievalConfig holds fusion and assembly parameters.
type RetrievalConfig struct {
	RRFK            int                `yaml:"rrf_k"`           // default: 60
	BackendTimeout  time.Duration      `yaml:"backend_timeout"` // default: 150ms
	DedupThreshold  float64            `yaml:"dedup_threshold"` // default: 0.85
	DefaultLimit    int                `yaml:"default_limit"`   // default: 10
	PerBackendLimit int                `yaml:"per_backend_limit"`
	MinSimilarity   float64            `yaml:"min_similarity"` // semantic k-NN floor (default: 0)
	Weights         map[string]float64 `yaml:"weights"`        // per backend, default 1
	GraphMaxHops    int                `yaml:"graph_max_hops"`
	GraphMaxNodes   int                `yaml:"graph_max_nodes"`
	GraphMaxEdges   int                `yaml:"graph_max_edges"`
	CharsPerToken   int                `yaml:"chars_per_token"`  // default: 4
	FetchMultiplier int                `yaml:"fetch_multiplier"` // default: 3
}

// BreakerConfig configures the circuit breakers around providers.
type BreakerConfig struct {
	MaxFailures         uint32        `yaml:"max_failures"`           // default: 3
	Timeout             time.Duration `yaml:"timeout"`                // default: 30s
	HalfOpenMaxRequests uint32        `yaml:"half_open_max_requests"` // default: 2
}

// BackupConfig configures SQLite snapshots.
type BackupConfig struct {
	Dir      string        `yaml:"dir"`      // empty means <data_path>/backups
	Interval time.Duration `yaml:"interval"` // scheduled snapshots in the server; 0 disables
	Keep     int           `yaml:"keep"`     // default: 7
	Verify   bool          `yaml:"verify"`   // integrity-check each snapshot (default: true)
}

// BackupDir returns the snapshot directory.
func (c *Config) BackupDir() string {
	if c.Backup.Dir != "" {
		return c.Backup.Dir
	}
	return c.Storage.DataPath + "/backups"
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         6464,
			Host:         "127.0.0.1",
			RateLimit:    20,
			RateBurst:    40,
			TickInterval: time.Minute,
			EnableStream: true,
		},
		Storage: StorageConfig{
			DataPath:        "./data",
			SemanticBackend: "sqlite",
			GraphBackend:    "sqlite",
			Neo4jUsername:   "neo4j",
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			BaseURL:   "http://localhost:11434",
			Dimension: 768,
			Timeout:   5 * time.Second,
			CacheSize: 1024,
		},
		Scorer: ScorerConfig{
			Kind:      "keyword",
			Provider:  "anthropic",
			Timeout:   10 * time.Second,
			CacheSize: 4096,
		},
		Consolidation: ConsolidationConfig{
			MinDwell:         5 * time.Minute,
			BatchSize:        100,
			PromoteThreshold: 0.7,
			RetainThreshold:  0.5,
			PurgeThreshold:   0.3,
			ArchiveAfter:     24 * time.Hour,
			PurgeAfter:       48 * time.Hour,
			RetainMax:        7 * 24 * time.Hour,
			WorkingCap:       100,
			MaxEmbedFailures: 3,
			RetryBackoff:     time.Minute,
			RetentionPolicy:  "delete",
			TriggerRate:      0.2,
		},
		Retrieval: RetrievalConfig{
			RRFK:            60,
			BackendTimeout:  150 * time.Millisecond,
			DedupThreshold:  0.85,
			DefaultLimit:    10,
			PerBackendLimit: 50,
			GraphMaxHops:    2,
			GraphMaxNodes:   50,
			GraphMaxEdges:   500,
			CharsPerToken:   4,
			FetchMultiplier: 3,
		},
		Breaker: BreakerConfig{
			MaxFailures:         3,
			Timeout:             30 * time.Second,
			HalfOpenMaxRequests: 2,
		},
		Backup: BackupConfig{
			Keep:   7,
			Verify: true,
		},
	}
}

// LoadConfig loads configuration from the file named by ENGRAM_CONFIG (if
// any) and the environment.
func LoadConfig() (*Config, error) {
	return LoadFile(os.Getenv("ENGRAM_CONFIG"))
}

// LoadFile loads configuration from path (skipped when empty), applies
// ENGRAM_* environment overrides and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays ENGRAM_* environment variables; each falls back to the
// value already in cfg.
func applyEnv(cfg *Config) {
	s := &cfg.Server
	s.Port = getEnvInt("ENGRAM_PORT", s.Port)
	s.Host = getEnv("ENGRAM_HOST", s.Host)
	s.RateLimit = getEnvFloat("ENGRAM_RATE_LIMIT", s.RateLimit)
	s.RateBurst = getEnvInt("ENGRAM_RATE_BURST", s.RateBurst)
	s.TickInterval = getEnvDuration("ENGRAM_TICK_INTERVAL", s.TickInterval)
	s.EnableStream = getEnvBool("ENGRAM_ENABLE_STREAM", s.EnableStream)

	st := &cfg.Storage
	st.DataPath = getEnv("ENGRAM_DATA_PATH", st.DataPath)
	st.SemanticBackend = getEnv("ENGRAM_SEMANTIC_BACKEND", st.SemanticBackend)
	st.GraphBackend = getEnv("ENGRAM_GRAPH_BACKEND", st.GraphBackend)
	st.PostgresDSN = getEnv("ENGRAM_POSTGRES_DSN", st.PostgresDSN)
	st.ChromemPath = getEnv("ENGRAM_CHROMEM_PATH", st.ChromemPath)
	st.Neo4jURI = getEnv("ENGRAM_NEO4J_URI", st.Neo4jURI)
	st.Neo4jUsername = getEnv("ENGRAM_NEO4J_USERNAME", st.Neo4jUsername)
	st.Neo4jPassword = getEnv("ENGRAM_NEO4J_PASSWORD", st.Neo4jPassword)
	st.Neo4jDatabase = getEnv("ENGRAM_NEO4J_DATABASE", st.Neo4jDatabase)

	e := &cfg.Embedding
	e.Provider = getEnv("ENGRAM_EMBEDDING_PROVIDER", e.Provider)
	e.Model = getEnv("ENGRAM_EMBEDDING_MODEL", e.Model)
	e.BaseURL = getEnv("ENGRAM_EMBEDDING_URL", e.BaseURL)
	e.APIKey = getEnv("ENGRAM_EMBEDDING_API_KEY", e.APIKey)
	e.Dimension = getEnvInt("ENGRAM_EMBEDDING_DIMENSION", e.Dimension)
	e.Timeout = getEnvDuration("ENGRAM_EMBEDDING_TIMEOUT", e.Timeout)

	sc := &cfg.Scorer
	sc.Kind = getEnv("ENGRAM_SCORER", sc.Kind)
	sc.Provider = getEnv("ENGRAM_SCORER_PROVIDER", sc.Provider)
	switch sc.Provider {
	case "openai":
		sc.APIKey = getEnv("OPENAI_API_KEY", sc.APIKey)
	case "anthropic":
		sc.APIKey = getEnv("ENGRAM_ANTHROPIC_API_KEY", sc.APIKey)
	}
	sc.Model = getEnv("ENGRAM_SCORER_MODEL", sc.Model)
	sc.BaseURL = getEnv("ENGRAM_SCORER_URL", sc.BaseURL)

	c := &cfg.Consolidation
	c.MinDwell = getEnvDuration("ENGRAM_MIN_DWELL", c.MinDwell)
	c.BatchSize = getEnvInt("ENGRAM_BATCH_SIZE", c.BatchSize)
	c.PromoteThreshold = getEnvFloat("ENGRAM_PROMOTE_THRESHOLD", c.PromoteThreshold)
	c.RetainThreshold = getEnvFloat("ENGRAM_RETAIN_THRESHOLD", c.RetainThreshold)
	c.PurgeThreshold = getEnvFloat("ENGRAM_PURGE_THRESHOLD", c.PurgeThreshold)
	c.ArchiveAfter = getEnvDuration("ENGRAM_ARCHIVE_AFTER", c.ArchiveAfter)
	c.PurgeAfter = getEnvDuration("ENGRAM_PURGE_AFTER", c.PurgeAfter)
	c.RetainMax = getEnvDuration("ENGRAM_RETAIN_MAX", c.RetainMax)
	c.WorkingCap = getEnvInt("ENGRAM_WORKING_CAP", c.WorkingCap)
	c.MaxEmbedFailures = getEnvInt("ENGRAM_MAX_EMBED_FAILURES", c.MaxEmbedFailures)
	c.RetentionPolicy = getEnv("ENGRAM_RETENTION_POLICY", c.RetentionPolicy)

	r := &cfg.Retrieval
	r.RRFK = getEnvInt("ENGRAM_RRF_K", r.RRFK)
	r.BackendTimeout = getEnvDuration("ENGRAM_BACKEND_TIMEOUT", r.BackendTimeout)
	r.DedupThreshold = getEnvFloat("ENGRAM_DEDUP_THRESHOLD", r.DedupThreshold)

	b := &cfg.Backup
	b.Dir = getEnv("ENGRAM_BACKUP_DIR", b.Dir)
	b.Interval = getEnvDuration("ENGRAM_BACKUP_INTERVAL", b.Interval)
	b.Keep = getEnvInt("ENGRAM_BACKUP_KEEP", b.Keep)
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	cons := c.Consolidation
	if !(0 <= cons.PurgeThreshold && cons.PurgeThreshold <= cons.RetainThreshold &&
		cons.RetainThreshold <= cons.PromoteThreshold && cons.PromoteThreshold <= 1) {
		return fmt.Errorf("%w: thresholds must satisfy 0 <= purge (%.2f) <= retain (%.2f) <= promote (%.2f) <= 1",
			ErrInvalidConfig, cons.PurgeThreshold, cons.RetainThreshold, cons.PromoteThreshold)
	}
	if cons.MinDwell < 0 || cons.ArchiveAfter <= 0 || cons.PurgeAfter <= 0 || cons.RetainMax <= 0 {
		return fmt.Errorf("%w: consolidation durations must be positive", ErrInvalidConfig)
	}
	if cons.RetainMax < cons.ArchiveAfter {
		return fmt.Errorf("%w: retain_max (%s) must not be shorter than archive_after (%s)",
			ErrInvalidConfig, cons.RetainMax, cons.ArchiveAfter)
	}
	if cons.BatchSize < 1 || cons.WorkingCap < 1 || cons.MaxEmbedFailures < 1 {
		return fmt.Errorf("%w: batch_size, working_cap and max_embed_failures must be at least 1", ErrInvalidConfig)
	}
	if cons.RetentionPolicy != "delete" && cons.RetentionPolicy != "mark" {
		return fmt.Errorf("%w: retention_policy must be delete or mark, got %q", ErrInvalidConfig, cons.RetentionPolicy)
	}
	if cons.TriggerRate <= 0 {
		return fmt.Errorf("%w: trigger_rate must be positive", ErrInvalidConfig)
	}

	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("%w: embedding.dimension must be positive", ErrInvalidConfig)
	}
	if c.Embedding.Timeout <= 0 {
		return fmt.Errorf("%w: embedding.timeout must be positive", ErrInvalidConfig)
	}

	r := c.Retrieval
	if r.RRFK < 1 {
		return fmt.Errorf("%w: rrf_k must be at least 1", ErrInvalidConfig)
	}
	if r.BackendTimeout <= 0 {
		return fmt.Errorf("%w: backend_timeout must be positive", ErrInvalidConfig)
	}
	if r.DedupThreshold <= 0 || r.DedupThreshold > 1 {
		return fmt.Errorf("%w: dedup_threshold must be in (0,1]", ErrInvalidConfig)
	}
	if r.MinSimilarity < -1 || r.MinSimilarity >= 1 {
		return fmt.Errorf("%w: min_similarity must be in [-1,1)", ErrInvalidConfig)
	}
	if r.CharsPerToken < 1 || r.FetchMultiplier < 1 || r.DefaultLimit < 1 {
		return fmt.Errorf("%w: chars_per_token, fetch_multiplier and default_limit must be at least 1", ErrInvalidConfig)
	}
	for name, w := range r.Weights {
		if w < 0 {
			return fmt.Errorf("%w: weight for backend %q must not be negative", ErrInvalidConfig, name)
		}
	}

	switch c.Storage.SemanticBackend {
	case "sqlite", "chromem":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres semantic backend requires postgres_dsn", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown semantic_backend %q", ErrInvalidConfig, c.Storage.SemanticBackend)
	}
	switch c.Storage.GraphBackend {
	case "sqlite":
	case "neo4j":
		if c.Storage.Neo4jURI == "" {
			return fmt.Errorf("%w: neo4j graph backend requires neo4j_uri", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown graph_backend %q", ErrInvalidConfig, c.Storage.GraphBackend)
	}

	if c.Backup.Interval < 0 || c.Backup.Keep < 1 {
		return fmt.Errorf("%w: backup interval must not be negative and keep must be at least 1", ErrInvalidConfig)
	}

	if c.Scorer.Kind != "keyword" && c.Scorer.Kind != "llm" {
		return fmt.Errorf("%w: scorer.kind must be keyword or llm, got %q", ErrInvalidConfig, c.Scorer.Kind)
	}
	if c.Scorer.Kind == "llm" {
		switch c.Scorer.Provider {
		case "anthropic", "openai":
			if c.Scorer.APIKey == "" {
				return fmt.Errorf("%w: %s scorer requires api_key", ErrInvalidConfig, c.Scorer.Provider)
			}
		case "ollama":
		default:
			return fmt.Errorf("%w: unknown scorer provider %q", ErrInvalidConfig, c.Scorer.Provider)
		}
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (e.g. "90s")
// or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
