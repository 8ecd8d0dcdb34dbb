package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

var syncTimeout time.Duration

// errOperationsFailed makes the process exit 1 after printing the report.
var errOperationsFailed = errors.New("sync finished with failed operations")

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation cycle and print the result",
	Long: `Run a single reconciliation cycle, wait for the operation queue to
drain and print a JSON report with the cycle result, queue status and any
failed operations.

Exits with status 1 when an entity could not be reconciled or any
operation failed permanently.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
		defer cancel()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.EnsureSchema(ctx, a.registry); err != nil {
			return err
		}

		result, err := a.service.RunCycle(core.ContextWithTrigger(ctx, core.TriggerCLI))
		if err != nil {
			return err
		}

		remaining := time.Until(deadlineOf(ctx))
		drained := a.service.WaitForCompletion(remaining)

		report := syncReport{
			Cycle:   result,
			Queue:   a.service.QueueStatus(),
			Failed:  a.service.FailedOperations(),
			Drained: drained,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("write report: %w", err)
		}

		if !drained {
			return fmt.Errorf("queue did not drain within %s", syncTimeout)
		}
		if result.Failed() || len(report.Failed) > 0 {
			return errOperationsFailed
		}
		return nil
	},
}

type syncReport struct {
	Cycle   *core.CycleResult    `json:"cycle"`
	Queue   core.QueueStatus     `json:"queue"`
	Failed  []core.SyncOperation `json:"failed"`
	Drained bool                 `json:"drained"`
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(syncTimeout)
}

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 15*time.Minute, "maximum time for the cycle and queue drain")
}
