package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"earcrawler/internal/audit"
	"earcrawler/internal/gc"
)

var (
	gcTarget        string
	gcApply         bool
	gcDryRun        bool
	gcMaxAgeDays    int
	gcMaxTotalBytes int64
	gcMaxFileBytes  int64
	gcKeepLast      int
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Plan or apply the retention sweep over a whitelisted target (C8)",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := gc.Target{
			Path: gcTarget, MaxAgeDays: gcMaxAgeDays, MaxTotalBytes: gcMaxTotalBytes,
			MaxFileBytes: gcMaxFileBytes, KeepLast: gcKeepLast,
		}
		now := time.Now().UTC()

		ledger, err := openAuditLedger()
		if err != nil {
			return err
		}
		defer ledger.Close()

		var report gc.Report
		eventType := audit.EventGCPlanned
		if gcApply {
			report, err = gc.Apply(target, now, "data/gc-reports")
			eventType = audit.EventGCApplied
		} else {
			report, err = gc.Plan(target, now)
		}
		if err != nil {
			recordAuditEvent(ledger, audit.EventGCRejected, gcTarget, false, err.Error(), nil)
			return err
		}
		recordAuditEvent(ledger, eventType, gcTarget, true, "", map[string]interface{}{
			"actions": len(report.Actions), "bytes_freed": report.BytesFreed,
		})

		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	gcCmd.Flags().StringVar(&gcTarget, "target", "", "Whitelisted target directory")
	gcCmd.Flags().BoolVar(&gcApply, "apply", false, "Apply the plan instead of a dry run (default: dry run)")
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Only print the plan, deleting nothing (the default when --apply is not given)")
	gcCmd.MarkFlagsMutuallyExclusive("dry-run", "apply")
	gcCmd.Flags().IntVar(&gcMaxAgeDays, "max-age-days", 0, "Remove files older than this many days")
	gcCmd.Flags().Int64Var(&gcMaxTotalBytes, "max-total-bytes", 0, "Evict oldest survivors until under this total")
	gcCmd.Flags().Int64Var(&gcMaxFileBytes, "max-file-bytes", 0, "Remove any single file larger than this")
	gcCmd.Flags().IntVar(&gcKeepLast, "keep-last", 0, "Keep the N most recently modified files and remove the older ones")
	gcCmd.MarkFlagRequired("target")
}
