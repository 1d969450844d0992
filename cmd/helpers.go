package cmd

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const defaultLockTTL = 10 * time.Minute

// cronParser accepts standard five-field specs, an optional leading seconds
// field and descriptors such as "@every 1h".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func newCron(loc *time.Location) *cron.Cron {
	if loc == nil {
		loc = time.UTC
	}
	return cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
}

// runExclusive runs fn only when this node wins the cluster-wide lock for
// name. Without Valkey every node is alone and always runs.
func runExclusive(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context)) {
	if vkClient != nil && !vkClient.AcquireLock(ctx, name, ttl) {
		owner, _ := vkClient.LockOwner(ctx, name)
		logrus.WithField("owner", owner).Debugf("[CRON] %s already running on another node", name)
		return
	}
	if vkClient != nil {
		defer func() {
			if err := vkClient.ReleaseLock(context.Background(), name); err != nil {
				logrus.WithError(err).Warnf("[CRON] Could not release %s lock", name)
			}
		}()
	}
	fn(ctx)
}
