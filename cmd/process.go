package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Publish every due post once, without the queue",
	Long: `Runs one batch pass: every PENDING or QUEUED post whose time has come is
published in scheduled order with local retries and per-platform pacing.`,
	Run: processRun,
}

func init() {
	rootCmd.AddCommand(processCmd)
}

func processRun(cmd *cobra.Command, _ []string) {
	defer StopApp()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var runErr error
	runExclusive(ctx, "process", defaultLockTTL, func(ctx context.Context) {
		result, err := orchestrator.ProcessScheduledPosts(ctx)
		if err != nil {
			runErr = err
			return
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	})
	if runErr != nil {
		logrus.WithError(runErr).Error("[ORCHESTRATOR] Batch run failed")
		os.Exit(1)
	}
}
