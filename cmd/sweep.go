package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	coreconfig "github.com/AzielCF/az-post/core/config"
	"github.com/AzielCF/az-post/pkg/timeutils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale posts and print the scheduler health report",
	Long: `Runs the expiry/health sweep once and prints the report as JSON.
With --every the sweep repeats on a cron schedule until interrupted.`,
	Run: sweepRun,
}

func init() {
	sweepCmd.Flags().String("every", "", `cron spec or descriptor | example: --every="@every 15m" or --every="*/10 * * * *"`)
	rootCmd.AddCommand(sweepCmd)
}

func sweepRun(cmd *cobra.Command, _ []string) {
	defer StopApp()

	every, _ := cmd.Flags().GetString("every")
	if every == "" {
		if err := sweepOnce(cmd.Context()); err != nil {
			logrus.WithError(err).Error("[SWEEPER] Sweep failed")
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newCron(timeutils.LoadLocation(coreconfig.Global.App.Timezone))
	if _, err := c.AddFunc(every, func() {
		runExclusive(ctx, "sweep", defaultLockTTL, func(ctx context.Context) {
			if err := sweepOnce(ctx); err != nil {
				logrus.WithError(err).Error("[SWEEPER] Sweep failed")
			}
		})
	}); err != nil {
		logrus.Fatalf("[CRON] invalid --every %q: %v", every, err)
	}

	logrus.Infof("[SWEEPER] Sweeping on %q, press Ctrl+C to stop", every)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func sweepOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	report, err := sweeper.Run(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
