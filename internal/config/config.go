// Package config provides configuration for the mnemo engine.
// Settings are loaded from environment variables with the MNEMO_ prefix,
// optionally seeded from a .env file, or from a YAML file. All values have
// documented defaults and are validated once at construction.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all settings for the engine and its components.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Queue     QueueConfig     `yaml:"queue"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Conflict  ConflictConfig  `yaml:"conflict"`
	LLM       LLMConfig       `yaml:"llm"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// StorageConfig selects and configures the record store backend.
type StorageConfig struct {
	// Engine is the backend type: "sqlite" or "postgres".
	Engine string `yaml:"engine"`

	// DataPath is the directory for the SQLite database and the serialized
	// vector index files.
	DataPath string `yaml:"data_path"`

	// PostgresDSN is the connection string used when Engine is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RetrievalConfig tunes the hybrid retrieval engine.
type RetrievalConfig struct {
	// FTSLimit caps full-text candidates per query.
	FTSLimit int `yaml:"fts_limit"`

	// VectorLimit caps vector candidates per query.
	VectorLimit int `yaml:"vector_limit"`

	// MinVectorResults triggers a full-text top-up when the vector path
	// returns fewer candidates.
	MinVectorResults int `yaml:"min_vector_results"`

	// SimilarityThreshold gates merged candidates; results below it are
	// dropped and an empty gated result is reported as NoRelevantMemory.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// Re-ranking weights. They must sum to 1.
	SimilarityWeight float64 `yaml:"similarity_weight"`
	RecencyWeight    float64 `yaml:"recency_weight"`
	ImportanceWeight float64 `yaml:"importance_weight"`
	FrequencyWeight  float64 `yaml:"frequency_weight"`

	// RecencyHalfLife is the exponential half-life of the recency score.
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`

	// VectorTimeout bounds the vector path; on expiry retrieval degrades to
	// full-text-only results instead of blocking.
	VectorTimeout time.Duration `yaml:"vector_timeout"`
}

// QueueConfig tunes the vectorization queue and its worker pool.
type QueueConfig struct {
	// HighPriorityThreshold routes items at or above it to the
	// high-priority sub-queue.
	HighPriorityThreshold float64 `yaml:"high_priority_threshold"`

	// BatchSize is the number of items embedded per worker batch.
	BatchSize int `yaml:"batch_size"`

	// MaxRetries bounds per-item embedding retries; beyond it the item is
	// reported as a permanent failure.
	MaxRetries int `yaml:"max_retries"`

	// NumWorkers is the number of embedding worker goroutines.
	NumWorkers int `yaml:"num_workers"`

	// ShutdownTimeout is the maximum time to wait for workers to drain.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LifecycleConfig tunes decay, archival and consolidation.
type LifecycleConfig struct {
	// DailyDecayRate multiplies each record's decay factor once per elapsed day.
	DailyDecayRate float64 `yaml:"daily_decay_rate"`

	// DecayFloor keeps effective importance above zero.
	DecayFloor float64 `yaml:"decay_floor"`

	// ArchiveThresholdDays is the minimum age before a record is eligible
	// for archival.
	ArchiveThresholdDays int `yaml:"archive_threshold_days"`

	// ArchivePercentile archives the bottom fraction of the aged population
	// by effective importance.
	ArchivePercentile float64 `yaml:"archive_percentile"`

	// ConsolidationBatchSize is the number of records processed between
	// cancellation checks during consolidation.
	ConsolidationBatchSize int `yaml:"consolidation_batch_size"`
}

// ConflictConfig tunes the attitude conflict detector.
type ConflictConfig struct {
	// Window bounds how far back conflicting statements are considered.
	Window time.Duration `yaml:"window"`

	// AntonymPairs lists mutually contradictory predicate pairs. An empty
	// list is valid configuration and makes detection a no-op.
	AntonymPairs [][2]string `yaml:"antonym_pairs"`
}

// LLMConfig configures the embedding provider and the optional importance
// delegate.
type LLMConfig struct {
	// Provider is "openai", "ollama" or "mock".
	Provider string `yaml:"provider"`

	OpenAIAPIKey         string `yaml:"openai_api_key"`
	OpenAIEmbeddingModel string `yaml:"openai_embedding_model"`
	OpenAIModel          string `yaml:"openai_model"`

	OllamaURL            string `yaml:"ollama_url"`
	OllamaEmbeddingModel string `yaml:"ollama_embedding_model"`
	OllamaModel          string `yaml:"ollama_model"`

	// EmbeddingDimension is the fixed dimension of the vector index.
	EmbeddingDimension int `yaml:"embedding_dimension"`

	// RequestsPerSecond rate-limits embedding calls.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// DelegateEnabled turns on the importance delegate for ambiguous scores.
	DelegateEnabled bool `yaml:"delegate_enabled"`
}

// NotifyConfig configures the optional websocket event broadcaster.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config with all documented defaults applied.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Retrieval: RetrievalConfig{
			FTSLimit:            15,
			VectorLimit:         20,
			MinVectorResults:    3,
			SimilarityThreshold: 0.65,
			SimilarityWeight:    0.4,
			RecencyWeight:       0.3,
			ImportanceWeight:    0.2,
			FrequencyWeight:     0.1,
			RecencyHalfLife:     7 * 24 * time.Hour,
			VectorTimeout:       300 * time.Millisecond,
		},
		Queue: QueueConfig{
			HighPriorityThreshold: 0.7,
			BatchSize:             8,
			MaxRetries:            3,
			NumWorkers:            2,
			ShutdownTimeout:       10 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			DailyDecayRate:         0.98,
			DecayFloor:             0.01,
			ArchiveThresholdDays:   30,
			ArchivePercentile:      0.2,
			ConsolidationBatchSize: 200,
		},
		Conflict: ConflictConfig{
			Window: 7 * 24 * time.Hour,
			AntonymPairs: [][2]string{
				{"likes", "dislikes"},
				{"loves", "hates"},
				{"trusts", "distrusts"},
			},
		},
		LLM: LLMConfig{
			Provider:             "mock",
			OpenAIEmbeddingModel: "text-embedding-3-small",
			OpenAIModel:          "gpt-4o-mini",
			OllamaURL:            "http://localhost:11434",
			OllamaEmbeddingModel: "nomic-embed-text",
			OllamaModel:          "qwen2.5:7b",
			EmbeddingDimension:   384,
			RequestsPerSecond:    4,
		},
		Notify: NotifyConfig{
			Enabled: false,
			Addr:    "127.0.0.1:6377",
		},
	}
}

// Load builds a Config from environment variables layered over the defaults.
// A .env file, when present in the working directory or any parent, is
// loaded first without overriding already-set variables.
func Load() (*Config, error) {
	if path := findEnvFile(); path != "" {
		// Existing environment wins over the file.
		_ = godotenv.Load(path)
	}

	cfg := Default()

	cfg.Storage.Engine = getEnv("MNEMO_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("MNEMO_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("MNEMO_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Retrieval.FTSLimit = getEnvInt("MNEMO_FTS_LIMIT", cfg.Retrieval.FTSLimit)
	cfg.Retrieval.VectorLimit = getEnvInt("MNEMO_VECTOR_LIMIT", cfg.Retrieval.VectorLimit)
	cfg.Retrieval.SimilarityThreshold = getEnvFloat("MNEMO_SIMILARITY_THRESHOLD", cfg.Retrieval.SimilarityThreshold)

	cfg.Queue.NumWorkers = getEnvInt("MNEMO_QUEUE_WORKERS", cfg.Queue.NumWorkers)
	cfg.Queue.MaxRetries = getEnvInt("MNEMO_QUEUE_MAX_RETRIES", cfg.Queue.MaxRetries)

	cfg.LLM.Provider = getEnv("MNEMO_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.OpenAIAPIKey = getEnv("MNEMO_OPENAI_API_KEY", cfg.LLM.OpenAIAPIKey)
	cfg.LLM.OpenAIEmbeddingModel = getEnv("MNEMO_OPENAI_EMBEDDING_MODEL", cfg.LLM.OpenAIEmbeddingModel)
	cfg.LLM.OpenAIModel = getEnv("MNEMO_OPENAI_MODEL", cfg.LLM.OpenAIModel)
	cfg.LLM.OllamaURL = getEnv("MNEMO_OLLAMA_URL", cfg.LLM.OllamaURL)
	cfg.LLM.OllamaEmbeddingModel = getEnv("MNEMO_OLLAMA_EMBEDDING_MODEL", cfg.LLM.OllamaEmbeddingModel)
	cfg.LLM.OllamaModel = getEnv("MNEMO_OLLAMA_MODEL", cfg.LLM.OllamaModel)
	cfg.LLM.EmbeddingDimension = getEnvInt("MNEMO_EMBEDDING_DIMENSION", cfg.LLM.EmbeddingDimension)
	cfg.LLM.DelegateEnabled = getEnvBool("MNEMO_IMPORTANCE_DELEGATE", cfg.LLM.DelegateEnabled)

	cfg.Notify.Enabled = getEnvBool("MNEMO_NOTIFY_ENABLED", cfg.Notify.Enabled)
	cfg.Notify.Addr = getEnv("MNEMO_NOTIFY_ADDR", cfg.Notify.Addr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile builds a Config from a YAML file layered over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks all settings once at construction time.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: postgres engine requires a DSN")
		}
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}

	r := c.Retrieval
	if r.FTSLimit < 1 || r.VectorLimit < 1 {
		return fmt.Errorf("config: retrieval limits must be >= 1")
	}
	if r.MinVectorResults < 0 || r.MinVectorResults > r.VectorLimit {
		return fmt.Errorf("config: min_vector_results must be in [0, vector_limit]")
	}
	if r.SimilarityThreshold < 0 || r.SimilarityThreshold > 1 {
		return fmt.Errorf("config: similarity_threshold must be in [0,1]")
	}
	weightSum := r.SimilarityWeight + r.RecencyWeight + r.ImportanceWeight + r.FrequencyWeight
	if weightSum < 0.999 || weightSum > 1.001 {
		return fmt.Errorf("config: re-ranking weights must sum to 1, got %v", weightSum)
	}
	if r.RecencyHalfLife <= 0 {
		return fmt.Errorf("config: recency_half_life must be positive")
	}

	q := c.Queue
	if q.HighPriorityThreshold < 0 || q.HighPriorityThreshold > 1 {
		return fmt.Errorf("config: high_priority_threshold must be in [0,1]")
	}
	if q.BatchSize < 1 || q.NumWorkers < 1 {
		return fmt.Errorf("config: queue batch_size and num_workers must be >= 1")
	}
	if q.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be >= 0")
	}

	l := c.Lifecycle
	if l.DailyDecayRate <= 0 || l.DailyDecayRate >= 1 {
		return fmt.Errorf("config: daily_decay_rate must be in (0,1)")
	}
	if l.DecayFloor <= 0 || l.DecayFloor >= 1 {
		return fmt.Errorf("config: decay_floor must be in (0,1)")
	}
	if l.ArchiveThresholdDays < 1 {
		return fmt.Errorf("config: archive_threshold_days must be >= 1")
	}
	if l.ArchivePercentile < 0 || l.ArchivePercentile > 1 {
		return fmt.Errorf("config: archive_percentile must be in [0,1]")
	}
	if l.ConsolidationBatchSize < 1 {
		return fmt.Errorf("config: consolidation_batch_size must be >= 1")
	}

	if c.Conflict.Window <= 0 {
		return fmt.Errorf("config: conflict window must be positive")
	}

	if c.LLM.EmbeddingDimension < 1 {
		return fmt.Errorf("config: embedding_dimension must be >= 1")
	}
	switch c.LLM.Provider {
	case "openai", "ollama", "mock":
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}

	return nil
}

// findEnvFile walks up from the working directory looking for a .env file.
func findEnvFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes", "True", "TRUE":
		return true
	case "false", "0", "no", "False", "FALSE":
		return false
	}
	return def
}
