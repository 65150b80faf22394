package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/socledger/socledger/internal/audit"
	"github.com/socledger/socledger/internal/server"
)

// ============================================================================
// socledger audit
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, verify, and export the audit log",
}

func init() {
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditShowCmd)
	auditCmd.AddCommand(auditRecordCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
}

var (
	auditListUser   string
	auditListAction string
	auditListSince  string
	auditListLimit  int
	auditListJSON   bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit records, newest first",
	Example: `  socledger audit list --action '*_INCIDENT' --since 24h
  socledger audit list --user 3f2a... --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		l, _, err := openLog(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		f := audit.Filter{UserID: auditListUser, Action: auditListAction, Limit: auditListLimit}
		if auditListSince != "" {
			since, err := server.ParseSince(auditListSince, time.Now())
			if err != nil {
				return err
			}
			f.Since = since
		}

		recs, err := l.List(ctx, f)
		if err != nil {
			return err
		}
		if auditListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}
		if len(recs) == 0 {
			fmt.Println("No audit records match.")
			return nil
		}
		for _, r := range recs {
			printRecord(r)
		}
		return nil
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditListUser, "user", "", "Filter by user id")
	auditListCmd.Flags().StringVar(&auditListAction, "action", "", "Filter by action (glob, e.g. '*_INCIDENT')")
	auditListCmd.Flags().StringVar(&auditListSince, "since", "", "Only records since an RFC 3339 time or a duration (e.g. 24h)")
	auditListCmd.Flags().IntVarP(&auditListLimit, "limit", "n", 50, "Maximum number of records")
	auditListCmd.Flags().BoolVar(&auditListJSON, "json", false, "Print records as JSON")
}

var auditShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one audit record with its chain hashes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}
		ctx := cmd.Context()
		l, _, err := openLog(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		rec, err := l.Get(ctx, id)
		if errors.Is(err, audit.ErrNotFound) {
			return fmt.Errorf("audit record %d not found", id)
		}
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var auditRecordDetails string

// auditRecordCmd appends synchronously so the new chain position can be
// printed; the server path is fire-and-forget.
var auditRecordCmd = &cobra.Command{
	Use:     "record USER_ID ACTION",
	Short:   "Append a record to the chain",
	Example: `  socledger audit record 3f2a... UPDATE_INCIDENT --details '{"incident":"INC-42","status":"closed"}'`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := audit.ParseAction(args[1])
		if err != nil {
			return err
		}
		var details any
		if auditRecordDetails != "" {
			if !json.Valid([]byte(auditRecordDetails)) {
				return fmt.Errorf("--details is not valid JSON")
			}
			details = json.RawMessage(auditRecordDetails)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		l, _, err := openLog(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		e, err := l.RecordSync(ctx, args[0], action, details)
		if err != nil {
			return err
		}
		fmt.Printf("Recorded #%d %s\n  previous: %s\n  current:  %s\n", e.ID, e.Action, e.PreviousHash, e.CurrentHash)
		return nil
	},
}

func init() {
	auditRecordCmd.Flags().StringVar(&auditRecordDetails, "details", "", "Details as a JSON document")
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Recompute every entry's SHA-256 digest over (user_id, action, details,
previous_hash) and check that each entry links to its predecessor.
Exits non-zero and reports the first inconsistent entry if the chain is
broken.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		l, _, err := openLog(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		res, err := l.Verify(ctx)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if res.Valid {
			fmt.Printf("Hash chain VALID (%d entries verified)\n", res.EntriesChecked)
			return nil
		}
		fmt.Printf("Hash chain BROKEN at entry #%d (id %d): %s\n", res.BrokenAt, res.BrokenID, res.Reason)
		fmt.Printf("  Expected: %s\n", res.ExpectedHash)
		fmt.Printf("  Actual:   %s\n", res.ActualHash)
		return res.Err()
	},
}

var auditExportFormat string

var auditExportCmd = &cobra.Command{
	Use:     "export",
	Short:   "Export the whole audit log, oldest first",
	Example: `  socledger audit export --format csv > audit_logs.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		l, _, err := openLog(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()
		return l.Export(ctx, os.Stdout, auditExportFormat)
	},
}

func init() {
	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
}

// printRecord prints one record on two lines.
func printRecord(r audit.Record) {
	fmt.Printf("#%-6d %s  %-22s %s\n", r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Action, r.User)
	fmt.Printf("        %s  %s\n", shortHash(r.CurrentHash), string(r.Details))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
