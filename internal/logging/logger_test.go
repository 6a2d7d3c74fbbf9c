package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetLoggingState() {
	CloseAll()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	workspace = ""
	configLoaded = false
	config = loggingConfig{}
}

func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()

	configDir := filepath.Join(tempDir, ".earcrawler")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}

	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {
				"boot": true, "corpus": true, "kg": true, "validate": true,
				"retrieval": true, "rag": true, "policy": true, "audit": true,
				"gc": true, "api": true, "telemetry": true, "orchestrator": true,
				"embedding": true, "store": true, "http_cache": true
			}
		}
	}`
	configPath := filepath.Join(configDir, "config.json")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("failed to initialize logging: %v", err)
	}
	if !IsDebugMode() {
		t.Error("expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot, CategoryCorpus, CategoryKG, CategoryValidate,
		CategoryRetrieval, CategoryRAG, CategoryPolicy, CategoryAudit,
		CategoryGC, CategoryAPI, CategoryTelemetry, CategoryOrchestrator,
		CategoryEmbedding, CategoryStore, CategoryHTTPCache,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("category %s should be enabled", cat)
		}
		logger := Get(cat)
		logger.Info("test info for %s", cat)
		logger.Debug("test debug for %s", cat)
		logger.Warn("test warn for %s", cat)
		logger.Error("test error for %s", cat)
	}

	CloseAll()

	logsPath := filepath.Join(tempDir, ".earcrawler", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("failed to read logs dir: %v", err)
	}

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if strings.Contains(entry.Name(), string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("no log file found for category: %s", cat)
		}
	}
}

func TestDebugModeDisabled(t *testing.T) {
	tempDir := t.TempDir()

	configDir := filepath.Join(tempDir, ".earcrawler")
	os.MkdirAll(configDir, 0755)
	configContent := `{"logging": {"level": "debug", "debug_mode": false, "categories": {"boot": true}}}`
	os.WriteFile(filepath.Join(configDir, "config.json"), []byte(configContent), 0644)

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}
	if IsDebugMode() {
		t.Error("expected debug mode to be disabled")
	}
	if IsCategoryEnabled(CategoryBoot) {
		t.Error("boot should be disabled when debug_mode=false")
	}

	Boot("should not be logged")
	CloseAll()

	logsPath := filepath.Join(tempDir, ".earcrawler", "logs")
	if _, err := os.Stat(logsPath); err == nil {
		entries, _ := os.ReadDir(logsPath)
		if len(entries) > 0 {
			t.Errorf("expected no log files in production mode, found %d", len(entries))
		}
	}
}

func TestCategoryToggle(t *testing.T) {
	tempDir := t.TempDir()

	configDir := filepath.Join(tempDir, ".earcrawler")
	os.MkdirAll(configDir, 0755)
	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {"boot": true, "audit": true, "gc": false, "validate": false}
		}
	}`
	os.WriteFile(filepath.Join(configDir, "config.json"), []byte(configContent), 0644)

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}

	if !IsCategoryEnabled(CategoryBoot) {
		t.Error("boot should be enabled")
	}
	if !IsCategoryEnabled(CategoryAudit) {
		t.Error("audit should be enabled")
	}
	if IsCategoryEnabled(CategoryGC) {
		t.Error("gc should be disabled")
	}
	if IsCategoryEnabled(CategoryValidate) {
		t.Error("validate should be disabled")
	}
	if !IsCategoryEnabled(CategoryCorpus) {
		t.Error("corpus (not in config) should default to enabled")
	}

	Boot("should be logged")
	GC("should not be logged")
	CloseAll()

	logsPath := filepath.Join(tempDir, ".earcrawler", "logs")
	entries, _ := os.ReadDir(logsPath)

	var hasBoot, hasGC bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "boot") {
			hasBoot = true
		}
		if strings.Contains(e.Name(), "gc") {
			hasGC = true
		}
	}
	if !hasBoot {
		t.Error("expected boot log file")
	}
	if hasGC {
		t.Error("should not have gc log file (disabled)")
	}
}

func TestTimerLogging(t *testing.T) {
	tempDir := t.TempDir()
	configDir := filepath.Join(tempDir, ".earcrawler")
	os.MkdirAll(configDir, 0755)
	os.WriteFile(filepath.Join(configDir, "config.json"), []byte(`{"logging": {"level": "debug", "debug_mode": true}}`), 0644)

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}

	timer := StartTimer(CategoryCorpus, "TestOperation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()

	if elapsed <= 0 {
		t.Error("timer should have recorded non-zero duration")
	}
	CloseAll()
}
