package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/cmdguard/internal/storage"
)

var (
	flagAuditCorrelation string
	flagAuditAction      string
	flagAuditResult      string
	flagAuditLimit       int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit database (requires audit.storage)",
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&flagAuditCorrelation, "correlation-id", "", "only events of this request")
	auditCmd.Flags().StringVar(&flagAuditAction, "action", "", "only this action (e.g. command.execute)")
	auditCmd.Flags().StringVar(&flagAuditResult, "result", "", "only this result (e.g. denied)")
	auditCmd.Flags().IntVar(&flagAuditLimit, "limit", 100, "maximum number of events")
}

func runAudit(_ *cobra.Command, _ []string) error {
	c, err := initComponents(initOptions{})
	if err != nil {
		return err
	}
	defer c.Cleanup()
	if c.AuditDB == nil {
		return fmt.Errorf("audit.storage is not configured; the JSONL log is at %s", c.Config.AuditLogPath())
	}

	events, err := storage.NewAuditRepository(c.AuditDB).Query(context.Background(), storage.AuditQuery{
		CorrelationID: flagAuditCorrelation,
		Action:        flagAuditAction,
		Result:        flagAuditResult,
		Limit:         flagAuditLimit,
	})
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := printJSON(os.Stdout, e); err != nil {
			return err
		}
	}
	return nil
}
