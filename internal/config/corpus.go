package config

// CorpusConfig controls deterministic corpus building (C3).
type CorpusConfig struct {
	SnapshotDir    string `yaml:"snapshot_dir"`
	OutputDir      string `yaml:"output_dir"`
	MaxChunkTokens int    `yaml:"max_chunk_tokens"`
	StrictSnapshot bool   `yaml:"strict_snapshot"`
}

// KGConfig controls knowledge-graph emission (C4).
type KGConfig struct {
	OutputDir     string `yaml:"output_dir"`
	SchemaVersion string `yaml:"schema_version"`
	BaseIRI       string `yaml:"base_iri"`
	// BaselineDir is the tracked directory the baseline-compare pipeline
	// step diffs a fresh graph rebuild against. A missing baseline file
	// is bootstrapped on first run rather than treated as drift.
	BaselineDir string `yaml:"baseline_dir"`
}

// RetrievalConfig controls the vector retrieval index (C6).
type RetrievalConfig struct {
	IndexDir  string `yaml:"index_dir"`
	TopK      int    `yaml:"top_k"`
	UseVecExt bool   `yaml:"use_vec_ext"`
}

// RAGConfig controls the strict-output RAG pipeline (C7).
type RAGConfig struct {
	ThinRetrievalMinScore float64 `yaml:"thin_retrieval_min_score"`
	ThinRetrievalMinCount int     `yaml:"thin_retrieval_min_count"`
	ThinRetrievalMinChars int     `yaml:"thin_retrieval_min_chars"`
	MaxContextTokens      int     `yaml:"max_context_tokens"`
	CharsPerToken         int     `yaml:"chars_per_token"`
	AnswerCacheDir        string  `yaml:"answer_cache_dir"`
	GenAIAPIKey           string  `yaml:"-"`
	GenModel              string  `yaml:"gen_model"`
}

// PolicyConfig controls the RBAC/Datalog policy engine (C8).
type PolicyConfig struct {
	SchemaPath string `yaml:"schema_path"`
	PolicyPath string `yaml:"policy_path"`
	FactLimit  int    `yaml:"fact_limit"`
}

// AuditConfig controls the hash-chained audit ledger (C8).
type AuditConfig struct {
	LedgerPath string `yaml:"ledger_path"`
	HMACKeyEnv string `yaml:"hmac_key_env"`
}

// GCConfig controls retention garbage collection (C8).
type GCConfig struct {
	AllowedRoots []string `yaml:"allowed_roots"`
}

// APIConfig controls the read-only API surface (C9).
type APIConfig struct {
	Addr               string `yaml:"addr"`
	AnonRatePerMinute  int    `yaml:"anon_rate_per_minute"`
	AnonBurst          int    `yaml:"anon_burst"`
	KeyedRatePerMinute int    `yaml:"keyed_rate_per_minute"`
	KeyedBurst         int    `yaml:"keyed_burst"`
	MaxBodyBytes       int64  `yaml:"max_body_bytes"`
	RequestTimeout     string `yaml:"request_timeout"`
	MaxInFlight        int    `yaml:"max_in_flight"`
}

// TelemetryConfig controls the redacted telemetry spool (C10).
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SpoolDir string `yaml:"spool_dir"`
}

// EmbeddingConfig controls embedding engine selection, kept in shape from
// the teacher's embedding.Config.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"`
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"-"`
	GenAIModel     string `yaml:"genai_model"`
	TaskType       string `yaml:"task_type"`
}

// LoggingConfig controls ambient category logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// HTTPCacheConfig controls the offline-first HTTP cassette cache (C2).
type HTTPCacheConfig struct {
	CassetteDir string `yaml:"cassette_dir"`
	AllowRecord bool   `yaml:"allow_record"`
	MaxRetries  int    `yaml:"max_retries"`
	BaseBackoff string `yaml:"base_backoff"`
}
