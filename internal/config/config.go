// Package config loads and validates EarCrawler's runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"earcrawler/internal/logging"

	"gopkg.in/yaml.v3"
)

// Config holds all EarCrawler configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Corpus     CorpusConfig     `yaml:"corpus"`
	KG         KGConfig         `yaml:"kg"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	RAG        RAGConfig        `yaml:"rag"`
	Policy     PolicyConfig     `yaml:"policy"`
	Audit      AuditConfig      `yaml:"audit"`
	GC         GCConfig         `yaml:"gc"`
	API        APIConfig        `yaml:"api"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Logging    LoggingConfig    `yaml:"logging"`
	HTTPCache  HTTPCacheConfig  `yaml:"http_cache"`

	// sourceDateEpoch pins deterministic build timestamps when set via
	// the SOURCE_DATE_EPOCH environment variable.
	sourceDateEpoch *int64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "earcrawler",
		Version: "0.1.0",

		Corpus: CorpusConfig{
			SnapshotDir:    "data/snapshots",
			OutputDir:      "data/corpus",
			MaxChunkTokens: 512,
			StrictSnapshot: true,
		},

		KG: KGConfig{
			OutputDir:     "data/kg",
			SchemaVersion: "1.0.0",
			BaseIRI:       "https://ear.example/id/",
			BaselineDir:   "testdata/baseline",
		},

		Retrieval: RetrievalConfig{
			IndexDir:   "data/index",
			TopK:       8,
			UseVecExt:  true,
		},

		RAG: RAGConfig{
			ThinRetrievalMinScore: 0.35,
			ThinRetrievalMinCount: 2,
			ThinRetrievalMinChars: 200,
			MaxContextTokens:      8000,
			CharsPerToken:         4,
			AnswerCacheDir:        "data/answer_cache",
		},

		Policy: PolicyConfig{
			SchemaPath: "",
			PolicyPath: "",
			FactLimit:  1000000,
		},

		Audit: AuditConfig{
			LedgerPath: "data/audit/ledger.jsonl",
			HMACKeyEnv: "EARCRAWLER_AUDIT_HMAC_KEY",
		},

		GC: GCConfig{
			AllowedRoots: []string{"data/corpus", "data/kg", "data/index", "data/answer_cache"},
		},

		API: APIConfig{
			Addr:                "127.0.0.1:8088",
			AnonRatePerMinute:   30,
			AnonBurst:           10,
			KeyedRatePerMinute:  120,
			KeyedBurst:          20,
			MaxBodyBytes:        32 * 1024,
			RequestTimeout:      "5s",
			MaxInFlight:         16,
		},

		Telemetry: TelemetryConfig{
			Enabled:  false,
			SpoolDir: "data/telemetry",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "RETRIEVAL_DOCUMENT",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "earcrawler.log",
		},

		HTTPCache: HTTPCacheConfig{
			CassetteDir:  "data/cassettes",
			AllowRecord:  false,
			MaxRetries:   3,
			BaseBackoff:  "250ms",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults if the
// file does not exist. Environment overrides are always applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	logging.BootDebug("Loading config from: %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("Config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		logging.BootError("Failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.BootError("Failed to parse config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	logging.Boot("Config loaded: name=%s version=%s", cfg.Name, cfg.Version)
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies the environment variables recognized by
// the orchestrator (see SPEC_FULL.md §3.3).
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SOURCE_DATE_EPOCH"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.sourceDateEpoch = &epoch
		}
	}
	if v := os.Getenv("ALLOW_RECORD"); v == "1" || v == "true" {
		c.HTTPCache.AllowRecord = true
	}
	if v := os.Getenv("STRICT_SNAPSHOT"); v != "" {
		c.Corpus.StrictSnapshot = v != "0" && v != "false"
	}
	if v := os.Getenv("THIN_RETRIEVAL_MIN_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RAG.ThinRetrievalMinScore = f
		}
	}
	if v := os.Getenv("THIN_RETRIEVAL_MIN_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RAG.ThinRetrievalMinCount = n
		}
	}
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		c.RAG.GenAIAPIKey = key
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if path := os.Getenv("EARCRAWLER_INDEX_DIR"); path != "" {
		c.Retrieval.IndexDir = path
	}
}

// SourceDateEpoch returns the pinned build timestamp, or the current time
// if none was configured.
func (c *Config) SourceDateEpoch() time.Time {
	if c.sourceDateEpoch != nil {
		return time.Unix(*c.sourceDateEpoch, 0).UTC()
	}
	return time.Now().UTC()
}

func (c *Config) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.API.RequestTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

func (c *Config) BaseBackoff() time.Duration {
	d, err := time.ParseDuration(c.HTTPCache.BaseBackoff)
	if err != nil {
		return 250 * time.Millisecond
	}
	return d
}

// Validate validates the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.RAG.MaxContextTokens <= 0 {
		return fmt.Errorf("rag max_context_tokens must be positive, got %d", c.RAG.MaxContextTokens)
	}
	if c.RAG.CharsPerToken <= 0 {
		return fmt.Errorf("rag chars_per_token must be positive, got %d", c.RAG.CharsPerToken)
	}
	if c.API.AnonRatePerMinute <= 0 || c.API.KeyedRatePerMinute <= 0 {
		return fmt.Errorf("api rate limits must be positive")
	}
	if len(c.GC.AllowedRoots) == 0 {
		return fmt.Errorf("gc allowed_roots must not be empty")
	}
	return nil
}
