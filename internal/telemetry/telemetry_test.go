package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRedactDropsSecretNamedFields(t *testing.T) {
	out := Redact(map[string]interface{}{
		"API_KEY":      "sk-abcdefghijklmnopqrstuvwx",
		"session_token": "deadbeefdeadbeefdeadbeef",
		"safe_field":   "hello",
	})
	require.Equal(t, "[redacted]", out["API_KEY"])
	require.Equal(t, "[redacted]", out["session_token"])
	require.Equal(t, "hello", out["safe_field"])
}

func TestRedactMasksEmailAndGUID(t *testing.T) {
	out := Redact(map[string]interface{}{
		"note": "contact jane.doe@example.com re 123e4567-e89b-12d3-a456-426614174000",
	})
	require.NotContains(t, out["note"], "jane.doe@example.com")
	require.NotContains(t, out["note"], "123e4567-e89b-12d3-a456-426614174000")
}

func TestRedactMasksQueryStringAndPath(t *testing.T) {
	out := Redact(map[string]interface{}{
		"url": "https://example.org/a/b/c?token=xyz",
	})
	s := out["url"].(string)
	require.NotContains(t, s, "token=xyz")
}

func TestSpoolDisabledDoesNotTouchDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	s, err := NewSpool(dir, false)
	require.NoError(t, err)
	require.False(t, s.Enabled())

	require.NoError(t, s.Emit("query_answered", map[string]interface{}{"x": 1}))
	_, statErr := os.Stat(dir)
	require.Error(t, statErr, "disabled spool must never create its directory")
}

func TestSpoolEnabledAppendsRedactedEvent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSpool(dir, true)
	require.NoError(t, err)

	require.NoError(t, s.Emit("query_answered", map[string]interface{}{"api_key": "sk-abcdefghijklmnopqrstuvwx"}))

	data, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &ev))
	require.Equal(t, "query_answered", ev.Kind)
	require.Equal(t, "[redacted]", ev.Fields["api_key"])
}

func TestAggregateReportsReadyFalseOnFailingCheck(t *testing.T) {
	checks := []HealthCheck{
		{Name: "index", Run: func(ctx context.Context) error { return nil }},
		{Name: "sparql", Run: func(ctx context.Context) error { return errors.New("unreachable") }},
	}
	report := Aggregate(context.Background(), checks)
	require.True(t, report.Live)
	require.False(t, report.Ready)
	require.Equal(t, "ok", report.Checks["index"])
	require.Equal(t, "unreachable", report.Checks["sparql"])
}

func TestAggregateReadyWhenAllChecksPass(t *testing.T) {
	checks := []HealthCheck{
		{Name: "index", Run: func(ctx context.Context) error { return nil }},
	}
	report := Aggregate(context.Background(), checks)
	require.True(t, report.Ready)
}

func TestCanaryStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan CanaryResult, 4)
	done := make(chan struct{})

	go func() {
		Canary(ctx, 10*time.Millisecond, func(ctx context.Context) error { return nil }, func(r CanaryResult) {
			select {
			case results <- r:
			default:
			}
		})
		close(done)
	}()

	<-results
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("canary loop did not exit after context cancellation")
	}
}
