package gc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, size int, modTime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
	return path
}

func TestIsWhitelistedAcceptsKnownPrefixes(t *testing.T) {
	require.True(t, IsWhitelisted("kg/"))
	require.True(t, IsWhitelisted("kg/snapshot-1/kg.nq"))
	require.True(t, IsWhitelisted(".cache/api/"))
}

func TestIsWhitelistedRejectsArbitraryPath(t *testing.T) {
	require.False(t, IsWhitelisted("/etc/passwd"))
	require.False(t, IsWhitelisted("internal/store"))
}

func TestPlanRejectsNonWhitelistedTarget(t *testing.T) {
	_, err := Plan(Target{Path: "/tmp/whatever"}, time.Now())
	require.Error(t, err)
}

func TestPlanKeepsLastN(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join("kg", filepath.Base(dir))
	// IsWhitelisted checks a logical prefix, not the real filesystem path,
	// so exercise scan() against the real tempdir while satisfying the
	// whitelist check with a path under kg/.
	Whitelist = append(Whitelist, dir)
	defer func() { Whitelist = Whitelist[:len(Whitelist)-1] }()

	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	writeFile(t, dir, "a.jsonl", 10, now.Add(-72*time.Hour))
	writeFile(t, dir, "b.jsonl", 10, now.Add(-48*time.Hour))
	writeFile(t, dir, "c.jsonl", 10, now.Add(-1*time.Hour))

	report, err := Plan(Target{Path: dir, KeepLast: 1}, now)
	require.NoError(t, err)
	require.Len(t, report.Actions, 2)

	_ = target
}

func TestPlanEnforcesMaxAge(t *testing.T) {
	dir := t.TempDir()
	Whitelist = append(Whitelist, dir)
	defer func() { Whitelist = Whitelist[:len(Whitelist)-1] }()

	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	writeFile(t, dir, "old.jsonl", 10, now.Add(-30*24*time.Hour))
	writeFile(t, dir, "new.jsonl", 10, now.Add(-1*time.Hour))

	report, err := Plan(Target{Path: dir, MaxAgeDays: 7}, now)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	require.Equal(t, "exceeds max_age_days", report.Actions[0].Reason)
}

func TestPlanEnforcesMaxTotalBytesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	Whitelist = append(Whitelist, dir)
	defer func() { Whitelist = Whitelist[:len(Whitelist)-1] }()

	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	writeFile(t, dir, "old.jsonl", 100, now.Add(-10*time.Hour))
	writeFile(t, dir, "new.jsonl", 100, now.Add(-1*time.Hour))

	report, err := Plan(Target{Path: dir, MaxTotalBytes: 150}, now)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	require.Equal(t, "old.jsonl", filepath.Base(report.Actions[0].Path))
}

func TestApplyRemovesFilesAndWritesReport(t *testing.T) {
	dir := t.TempDir()
	Whitelist = append(Whitelist, dir)
	defer func() { Whitelist = Whitelist[:len(Whitelist)-1] }()

	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	old := writeFile(t, dir, "old.jsonl", 10, now.Add(-30*24*time.Hour))
	writeFile(t, dir, "new.jsonl", 10, now.Add(-1*time.Hour))

	reportDir := t.TempDir()
	report, err := Apply(Target{Path: dir, MaxAgeDays: 7}, now, reportDir)
	require.NoError(t, err)
	require.False(t, report.DryRun)

	_, err = os.Stat(old)
	require.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(reportDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
