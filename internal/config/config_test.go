package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "earcrawler", cfg.Name)
	assert.Positive(t, cfg.RAG.MaxContextTokens)
	assert.Positive(t, cfg.RAG.CharsPerToken)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Corpus, cfg.Corpus)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Retrieval.TopK = 42
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.Retrieval.TopK)
}

func TestValidateRejectsNonPositiveContextBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RAG.MaxContextTokens = 0
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsNonPositiveCharsPerToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RAG.CharsPerToken = 0
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsEmptyGCRoots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GC.AllowedRoots = nil
	err := cfg.Validate()
	require.Error(t, err)
}

func TestEnvOverridesApplied(t *testing.T) {
	t.Setenv("ALLOW_RECORD", "1")
	t.Setenv("STRICT_SNAPSHOT", "0")
	t.Setenv("THIN_RETRIEVAL_MIN_SCORE", "0.5")
	t.Setenv("THIN_RETRIEVAL_MIN_COUNT", "5")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.True(t, cfg.HTTPCache.AllowRecord)
	assert.False(t, cfg.Corpus.StrictSnapshot)
	assert.Equal(t, 0.5, cfg.RAG.ThinRetrievalMinScore)
	assert.Equal(t, 5, cfg.RAG.ThinRetrievalMinCount)
}

func TestSourceDateEpochOverride(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "1700000000")
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, int64(1700000000), cfg.SourceDateEpoch().Unix())
}

func TestSaveCreatesParentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "deeper")
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	require.NoError(t, cfg.Save(path))

	_, err := os.Stat(path)
	require.NoError(t, err)
}
