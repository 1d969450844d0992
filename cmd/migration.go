package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Run:   migrateRun,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

// migrateRun re-runs the schema migration explicitly. initApp already migrates
// on start, so this is mostly useful before a first deploy against Postgres.
func migrateRun(_ *cobra.Command, _ []string) {
	defer StopApp()

	ctx := context.Background()
	logrus.Info("[MIGRATION] Migrating scheduled_posts, posts and scheduler_settings...")
	if err := postStore.Init(ctx); err != nil {
		logrus.Fatalf("[MIGRATION] scheduled_posts: %v", err)
	}
	if err := sourceStore.Init(ctx); err != nil {
		logrus.Fatalf("[MIGRATION] posts: %v", err)
	}
	if err := settingsService.Init(ctx); err != nil {
		logrus.Fatalf("[MIGRATION] scheduler_settings: %v", err)
	}
	logrus.Info("[MIGRATION] Done")
}
