package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"earcrawler/internal/audit"
	"earcrawler/internal/logging"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Verify and rotate the hash-chained audit ledger (C8)",
}

// openAuditLedger opens the configured ledger, honoring an HMAC key from
// the environment variable AuditConfig.HMACKeyEnv names, as every command
// that records audit events does.
func openAuditLedger() (*audit.Ledger, error) {
	var hmacKey []byte
	if cfg.Audit.HMACKeyEnv != "" {
		if v := os.Getenv(cfg.Audit.HMACKeyEnv); v != "" {
			hmacKey = []byte(v)
		}
	}
	return audit.Open(cfg.Audit.LedgerPath, hmacKey)
}

// recordAuditEvent appends one event, logging but not failing the
// calling command if the ledger write itself errors — the command's own
// result is what matters to its caller.
func recordAuditEvent(ledger *audit.Ledger, eventType audit.EventType, target string, success bool, msg string, fields map[string]interface{}) {
	if _, err := ledger.Append(audit.Entry{
		Timestamp: time.Now().UTC().Unix(),
		EventType: eventType,
		Target:    target,
		Success:   success,
		Message:   msg,
		Fields:    fields,
	}); err != nil {
		logging.AuditError("record %s event: %v", eventType, err)
	}
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger's hash chain is intact end to end",
	RunE: func(cmd *cobra.Command, args []string) error {
		var hmacKey []byte
		if cfg.Audit.HMACKeyEnv != "" {
			if v := os.Getenv(cfg.Audit.HMACKeyEnv); v != "" {
				hmacKey = []byte(v)
			}
		}
		result, err := audit.Verify(cfg.Audit.LedgerPath, hmacKey)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		if !result.OK {
			os.Exit(1)
		}
		return nil
	},
}

var auditRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Archive the current ledger file and start a fresh hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Audit.LedgerPath
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				fmt.Println("no ledger to rotate")
				return nil
			}
			return err
		}

		archived := fmt.Sprintf("%s.%s", path, time.Now().UTC().Format("20060102T150405Z"))
		if err := os.Rename(path, archived); err != nil {
			return fmt.Errorf("archive ledger: %w", err)
		}

		ledger, err := openAuditLedger()
		if err != nil {
			return err
		}
		defer ledger.Close()
		recordAuditEvent(ledger, audit.EventRunStarted, archived, true, "ledger rotated", nil)

		fmt.Printf("rotated ledger: %s -> %s\n", path, archived)
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd, auditRotateCmd)
}
