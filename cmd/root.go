package cmd

import (
	"context"
	"os"
	"time"

	coreconfig "github.com/AzielCF/az-post/core/config"
	coreDB "github.com/AzielCF/az-post/core/database"
	settingsApp "github.com/AzielCF/az-post/core/settings/application"
	domainScheduler "github.com/AzielCF/az-post/domains/scheduler"
	"github.com/AzielCF/az-post/infrastructure/valkey"
	"github.com/AzielCF/az-post/pkg/crypto"
	"github.com/AzielCF/az-post/pkg/timeutils"
	"github.com/AzielCF/az-post/pkg/utils"
	"github.com/AzielCF/az-post/pkg/workerpool"
	"github.com/AzielCF/az-post/scheduler/application"
	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/AzielCF/az-post/scheduler/domain/publisher"
	"github.com/AzielCF/az-post/scheduler/domain/queue"
	"github.com/AzielCF/az-post/scheduler/domain/retry"
	"github.com/AzielCF/az-post/scheduler/infrastructure/events"
	"github.com/AzielCF/az-post/scheduler/infrastructure/platforms"
	schedulerQueue "github.com/AzielCF/az-post/scheduler/infrastructure/queue"
	"github.com/AzielCF/az-post/scheduler/repository"
	"github.com/AzielCF/az-post/ui/websocket"
	"github.com/AzielCF/az-post/usecase"
	"github.com/AzielCF/az-post/validations"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"
)

// jobQueue is what the scheduler needs from either queue backend.
type jobQueue interface {
	queue.JobQueue
	queue.Dispatcher
}

var (
	serverID string
	db       *gorm.DB
	vkClient *valkey.Client

	settingsService *settingsApp.SettingsService

	// Scheduler
	postStore    *repository.PostGormRepository
	sourceStore  *repository.SourcePostGormRepository
	policies     *retry.Registry
	credentials  publisher.StaticCredentials
	publishers   *publisher.Registry
	emitter      events.Multi
	valkeyEvents *events.ValkeyEmitter
	dispatchPool *workerpool.Pool
	scheduleQ    jobQueue
	lifecycle    *application.LifecycleService
	bridge       *application.QueueBridge
	orchestrator *application.Orchestrator
	sweeper      *application.Sweeper

	// Usecase
	schedulerUsecase domainScheduler.ISchedulerUsecase
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "azpost",
	Short: "Scheduled social media publishing engine",
	Long: `az-post schedules posts for LinkedIn and X, publishes them at the
scheduled time through a durable delayed queue and retries failures with
per-platform backoff.`,
}

func init() {
	// Load environment variables first
	utils.LoadConfig(".")

	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	initFlags()

	cobra.OnInitialize(initEnvConfig, initApp)
}

func initFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("port", "p", "", "change port number with --port <number> | example: --port=8080")
	flags.BoolP("debug", "d", false, "hide or displaying log with --debug <true/false> | example: --debug=true")
	flags.String("db-driver", "", `database driver --db-driver <sqlite|postgres> | example: --db-driver="postgres"`)
	flags.String("db-name", "", `sqlite file or postgres database name | example: --db-name="storages/scheduler.db"`)
	flags.Bool("valkey", false, "use Valkey for the durable queue and event fan-out | example: --valkey=true")
	flags.String("valkey-address", "", `valkey address | example: --valkey-address="localhost:6379"`)

	_ = viper.BindPFlag("app_port", flags.Lookup("port"))
	_ = viper.BindPFlag("app_debug", flags.Lookup("debug"))
	_ = viper.BindPFlag("db_driver", flags.Lookup("db-driver"))
	_ = viper.BindPFlag("db_name", flags.Lookup("db-name"))
	_ = viper.BindPFlag("valkey_enabled", flags.Lookup("valkey"))
	_ = viper.BindPFlag("valkey_address", flags.Lookup("valkey-address"))
}

// initEnvConfig builds the global configuration from the environment, then
// applies command line flags on top.
func initEnvConfig() {
	cfg, err := coreconfig.LoadConfig()
	if err != nil {
		logrus.Fatalf("[CONFIG] %v", err)
	}

	if v := viper.GetString("app_port"); v != "" {
		cfg.App.Port = v
	}
	if viper.GetBool("app_debug") {
		cfg.App.Debug = true
	}
	if v := viper.GetString("db_driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("db_name"); v != "" {
		cfg.Database.Name = v
	}
	if viper.GetBool("valkey_enabled") {
		cfg.Database.ValkeyEnabled = true
	}
	if v := viper.GetString("valkey_address"); v != "" {
		cfg.Database.ValkeyAddress = v
	}
}

func initApp() {
	cfg := coreconfig.Global
	if cfg.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	//preparing folder if not exist
	if err := utils.CreateFolder(cfg.Paths.Storages); err != nil {
		logrus.Errorln(err)
	}

	serverID = utils.GetPersistentServerID(cfg.App.ServerID, cfg.Paths.Storages)
	logrus.WithField("server_id", serverID).Info("[APP] Starting node")

	var err error
	db, err = coreDB.NewDatabase(cfg)
	if err != nil {
		logrus.Fatalf("[DATABASE] %v", err)
	}

	ctx := context.Background()
	settingsService = settingsApp.NewSettingsService(db)
	if err := settingsService.Init(ctx); err != nil {
		logrus.Fatalf("[DATABASE] failed to init settings: %v", err)
	}
	if ds, err := settingsService.GetDynamicSettings(ctx); err == nil {
		ds.Apply(cfg)
	} else {
		logrus.WithError(err).Warn("[SETTINGS] Could not load stored overrides")
	}

	postStore = repository.NewPostGormRepository(db)
	if err := postStore.Init(ctx); err != nil {
		logrus.Fatalf("[DATABASE] failed to init scheduled posts: %v", err)
	}
	sourceStore = repository.NewSourcePostGormRepository(db)
	if err := sourceStore.Init(ctx); err != nil {
		logrus.Fatalf("[DATABASE] failed to init source posts: %v", err)
	}

	if cfg.Database.ValkeyEnabled {
		vkClient, err = valkey.NewClient(valkey.Config{
			Address:   cfg.Database.ValkeyAddress,
			Password:  cfg.Database.ValkeyPassword,
			DB:        cfg.Database.ValkeyDB,
			KeyPrefix: cfg.Database.ValkeyKeyPrefix,
			Owner:     serverID,
		})
		if err != nil {
			logrus.WithError(err).Warn("[VALKEY] Unavailable, falling back to the in-memory queue")
			vkClient = nil
		}
	}

	buildScheduler(cfg)
}

// buildScheduler wires the lifecycle engine, the queue and the platform clients.
func buildScheduler(cfg *coreconfig.Config) {
	policies = retry.DefaultRegistry()

	credentials = publisher.StaticCredentials{}
	if token := cfg.Platforms.LinkedIn.AccessToken; token != "" {
		credentials[post.PlatformLinkedIn] = publisher.Credentials{
			"access_token": token,
			"author_urn":   cfg.Platforms.LinkedIn.AuthorURN,
		}
	}
	if token := cfg.Platforms.X.AccessToken; token != "" {
		credentials[post.PlatformX] = publisher.Credentials{"access_token": token}
	}

	publishers = publisher.NewRegistry(
		platforms.NewLinkedIn(cfg.Platforms.LinkedIn.BaseURL, cfg.Platforms.Timeout),
		platforms.NewX(cfg.Platforms.X.BaseURL, cfg.Platforms.Timeout),
	)

	emitter = events.Multi{events.LogEmitter{}, websocket.Emitter{}}
	if vkClient != nil {
		valkeyEvents = events.NewValkeyEmitter(vkClient, cfg.Scheduler.EventsChannel)
		emitter = append(emitter, valkeyEvents)
	}

	lifecycle = application.NewLifecycleService(postStore, policies, emitter,
		application.WithExpiryWindow(cfg.Scheduler.ExpiryWindow))

	dispatchPool = workerpool.New(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize)
	if vkClient != nil {
		scheduleQ = schedulerQueue.NewValkeyQueue(vkClient, dispatchPool, schedulerQueue.ValkeyConfig{
			PollInterval:  cfg.Scheduler.PollInterval,
			LeaseDuration: cfg.Scheduler.LeaseDuration,
		})
	} else {
		scheduleQ = schedulerQueue.NewMemoryQueue(dispatchPool)
	}

	bridge = application.NewQueueBridge(lifecycle, scheduleQ, credentials, crypto.NewBox(cfg.Security.SecretKey))

	limiter := application.NewPlatformRateLimiter(map[post.Platform]application.PlatformLimit{
		post.PlatformLinkedIn: platformLimit(cfg.Platforms.LinkedIn),
		post.PlatformX:        platformLimit(cfg.Platforms.X),
	})
	orchestrator = application.NewOrchestrator(lifecycle, bridge, postStore, publishers, credentials, limiter, application.OrchestratorConfig{
		ConflictWindow: cfg.Scheduler.ConflictWindow,
		LocalAttempts:  cfg.Scheduler.LocalAttempts,
		LocalBackoff:   cfg.Scheduler.LocalBackoff,
		BatchLimit:     cfg.Scheduler.BatchLimit,
	})

	sweeper = application.NewSweeper(lifecycle, postStore, scheduleQ, application.HealthThresholds{
		MaxFailed:      cfg.Scheduler.MaxFailed,
		MaxPending:     cfg.Scheduler.MaxPending,
		StuckThreshold: cfg.Scheduler.StuckThreshold,
	})

	schedulerUsecase = usecase.NewSchedulerService(usecase.SchedulerDeps{
		Store:        postStore,
		Sources:      sourceStore,
		Lifecycle:    lifecycle,
		Bridge:       bridge,
		Orchestrator: orchestrator,
		Sweeper:      sweeper,
		Policies:     policies,
		Emitter:      emitter,
		Limits: validations.ContentLimits{
			post.PlatformLinkedIn: cfg.Scheduler.ContentLimitLinkedIn,
			post.PlatformX:        cfg.Scheduler.ContentLimitX,
		},
		Location: timeutils.LoadLocation(cfg.App.Timezone),
	})
}

func platformLimit(p coreconfig.PlatformConfig) application.PlatformLimit {
	return application.PlatformLimit{
		Interval:     p.Interval,
		Burst:        p.Burst,
		OptimalDelay: p.OptimalDelay,
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// StopApp performs a clean shutdown of the dispatcher and every connection.
func StopApp() {
	logrus.Info("[APP] Stopping application...")

	if scheduleQ != nil {
		scheduleQ.Stop()
	}
	if dispatchPool != nil {
		dispatchPool.Stop()
	}
	if vkClient != nil {
		vkClient.Close()
	}
	if sqlDB, err := coreDB.GetLegacyDB(); err == nil {
		_ = sqlDB.Close()
	}

	logrus.Info("[APP] Application stopped cleanly.")
}
