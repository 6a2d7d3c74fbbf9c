// Package gc implements EarCrawler's retention sweep (C8): it enforces
// max_age_days, max_total_bytes, max_file_bytes, and keep_last over a
// fixed whitelist of target paths, never touching anything outside it.
package gc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"earcrawler/internal/errs"
	"earcrawler/internal/logging"
)

// Whitelist is the only set of paths the sweep is permitted to touch.
// Anything outside it is a hard error, never a silent skip.
var Whitelist = []string{
	"kg/",
	".cache/api/",
	`%APPDATA%\EarCrawler\spool`,
	`%PROGRAMDATA%\EarCrawler\spool`,
}

// Target describes one retention policy applied to one directory.
type Target struct {
	Path         string
	MaxAgeDays   int
	MaxTotalBytes int64
	MaxFileBytes int64
	KeepLast     int
}

// candidate is one file under consideration for removal.
type candidate struct {
	path    string
	size    int64
	modTime time.Time
}

// Action is one planned or applied removal.
type Action struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Reason string `json:"reason"`
}

// Report is the outcome of a dry-run plan or an apply sweep.
type Report struct {
	Target    string    `json:"target"`
	DryRun    bool      `json:"dry_run"`
	Actions   []Action  `json:"actions"`
	BytesFreed int64    `json:"bytes_freed"`
	RunAt     time.Time `json:"run_at"`
}

// IsWhitelisted reports whether path matches one of the fixed whitelist
// prefixes. Matching is prefix-based against the cleaned path.
func IsWhitelisted(path string) bool {
	clean := filepath.ToSlash(filepath.Clean(path))
	for _, w := range Whitelist {
		wc := filepath.ToSlash(filepath.Clean(w))
		if clean == wc || len(clean) > len(wc) && clean[:len(wc)+1] == wc+"/" {
			return true
		}
	}
	return false
}

// Plan computes the removal actions a Target's policy would take, without
// touching the filesystem. now is injected so tests and callers control
// age calculations deterministically.
func Plan(t Target, now time.Time) (Report, error) {
	if !IsWhitelisted(t.Path) {
		return Report{}, errs.Newf(errs.InvalidInput, "gc target %q is not in the retention whitelist", t.Path)
	}

	candidates, totalBytes, err := scan(t.Path)
	if err != nil {
		return Report{}, err
	}

	// Newest-first so keep_last reserves the N most recent files.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.After(candidates[j].modTime)
	})

	report := Report{Target: t.Path, DryRun: true, RunAt: now}
	removed := make(map[string]bool)
	runningTotal := totalBytes
	var survivors []candidate

	for i, c := range candidates {
		reason := ""
		switch {
		case t.KeepLast > 0 && i < t.KeepLast:
		case t.MaxFileBytes > 0 && c.size > t.MaxFileBytes:
			reason = "exceeds max_file_bytes"
		case t.MaxAgeDays > 0 && now.Sub(c.modTime) > time.Duration(t.MaxAgeDays)*24*time.Hour:
			reason = "exceeds max_age_days"
		case t.KeepLast > 0:
			reason = "exceeds keep_last"
		default:
		}
		if reason != "" {
			report.Actions = append(report.Actions, Action{Path: c.path, Size: c.size, Reason: reason})
			report.BytesFreed += c.size
			runningTotal -= c.size
			removed[c.path] = true
			continue
		}
		survivors = append(survivors, c)
	}

	// For the total-bytes budget, evict oldest survivors first so the most
	// recent files are the ones kept under pressure.
	if t.MaxTotalBytes > 0 && runningTotal > t.MaxTotalBytes {
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].modTime.Before(survivors[j].modTime)
		})
		for _, c := range survivors {
			if runningTotal <= t.MaxTotalBytes {
				break
			}
			if removed[c.path] {
				continue
			}
			report.Actions = append(report.Actions, Action{Path: c.path, Size: c.size, Reason: "exceeds max_total_bytes"})
			report.BytesFreed += c.size
			runningTotal -= c.size
		}
	}

	return report, nil
}

// Apply runs Plan and then deletes every planned path, writing a
// timestamped JSON report to reportDir. Deletions outside the whitelist
// are rejected at the Plan stage and never reach this point.
func Apply(t Target, now time.Time, reportDir string) (Report, error) {
	report, err := Plan(t, now)
	if err != nil {
		return Report{}, err
	}
	report.DryRun = false

	for _, action := range report.Actions {
		if !IsWhitelisted(action.Path) {
			return Report{}, errs.Newf(errs.InvalidInput, "refusing to remove non-whitelisted path %q", action.Path)
		}
		if err := os.Remove(action.path()); err != nil && !os.IsNotExist(err) {
			return Report{}, errs.Wrap(errs.IntegrityFailure, "remove "+action.Path, err)
		}
	}

	if reportDir != "" {
		if err := writeReport(reportDir, report, now); err != nil {
			return Report{}, err
		}
	}

	logging.GC("gc apply on %s: removed %d files, freed %d bytes", t.Path, len(report.Actions), report.BytesFreed)
	return report, nil
}

func (a Action) path() string { return a.Path }

func writeReport(reportDir string, report Report, now time.Time) error {
	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return errs.Wrap(errs.InvalidInput, "create gc report directory", err)
	}
	name := "gc-" + now.UTC().Format("20060102T150405Z") + ".json"
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "marshal gc report", err)
	}
	if err := os.WriteFile(filepath.Join(reportDir, name), append(data, '\n'), 0644); err != nil {
		return errs.Wrap(errs.IntegrityFailure, "write gc report", err)
	}
	return nil
}

func scan(root string) ([]candidate, int64, error) {
	var candidates []candidate
	var total int64

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, errs.Wrap(errs.InvalidInput, "stat gc target", err)
	}
	if !info.IsDir() {
		return nil, 0, errs.Newf(errs.InvalidInput, "gc target %q is not a directory", root)
	}

	err = filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		candidates = append(candidates, candidate{path: path, size: fi.Size(), modTime: fi.ModTime()})
		total += fi.Size()
		return nil
	})
	if err != nil {
		return nil, 0, errs.Wrap(errs.InvalidInput, "walk gc target", err)
	}
	return candidates, total, nil
}
