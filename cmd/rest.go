package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	coreconfig "github.com/AzielCF/az-post/core/config"
	"github.com/AzielCF/az-post/pkg/timeutils"
	"github.com/AzielCF/az-post/ui/rest"
	"github.com/AzielCF/az-post/ui/rest/middleware"
	"github.com/AzielCF/az-post/ui/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var restCmd = &cobra.Command{
	Use:   "rest",
	Short: "Serve the scheduler API over http",
	Long:  `Starts the HTTP API, the queue dispatcher and the periodic expiry/health sweep.`,
	Run:   restServer,
}

func init() {
	restCmd.Flags().String("basic-auth", "", "Basic auth for API (format: user:pass,user2:pass2)")
	rootCmd.AddCommand(restCmd)
}

func restServer(cmd *cobra.Command, _ []string) {
	// Override basic auth if flag is provided
	if baFlag, _ := cmd.Flags().GetString("basic-auth"); baFlag != "" {
		coreconfig.Global.App.BasicAuth = strings.Split(baFlag, ",")
	}
	cfg := coreconfig.Global

	fiberConfig := fiber.Config{
		EnableTrustedProxyCheck: true,
		BodyLimit:               1 * 1024 * 1024,
		Network:                 "tcp",
		AppName:                 "Az-Post Scheduler",
		ServerHeader:            "Hidden",
	}

	// Configure proxy settings if trusted proxies are specified
	if len(cfg.App.TrustedProxies) > 0 {
		fiberConfig.TrustedProxies = cfg.App.TrustedProxies
		fiberConfig.ProxyHeader = fiber.HeaderXForwardedHost
	}

	app := fiber.New(fiberConfig)

	// Security: RequestID for audit trails
	app.Use(requestid.New())

	origins := strings.Join(cfg.App.CorsAllowedOrigins, ", ")
	if !strings.Contains(origins, cfg.App.BaseUrl) {
		origins += ", " + cfg.App.BaseUrl
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.Recovery())

	// Security: Hardened Headers
	app.Use(helmet.New(helmet.Config{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "SAMEORIGIN",
		HSTSMaxAge:            31536000, // 1 Year
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'; connect-src 'self' ws://localhost:* wss://*;",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        600,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))

	if cfg.App.Debug {
		app.Use(logger.New())
	}

	if len(cfg.App.BasicAuth) == 0 {
		logrus.Fatalln("APP_BASIC_AUTH is required. Nothing should be public; please set APP_BASIC_AUTH=<user>:<secret>[,<user2>:<secret2>] and restart.")
	}

	account := make(map[string]string)
	for _, basicAuth := range cfg.App.BasicAuth {
		ba := strings.SplitN(basicAuth, ":", 2)
		if len(ba) != 2 {
			logrus.Fatalln("Basic auth is not valid, please this following format <user>:<secret>")
		}
		account[ba[0]] = ba[1]
	}

	apiGroup := app.Group(cfg.App.BasePath + "/api")

	// Apply BasicAuth ONLY to the API group
	apiGroup.Use(basicauth.New(basicauth.Config{
		Users: account,
		Next: func(c *fiber.Ctx) bool {
			// Allow CORS preflight without credentials.
			return c.Method() == fiber.MethodOptions
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())

	// Dispatcher: the pool runs handlers, the queue feeds it.
	dispatchPool.Start(ctx)
	scheduleQ.Start(ctx, orchestrator.HandleJob)

	scheduler := newCron(timeutils.LoadLocation(cfg.App.Timezone))
	if _, err := scheduler.AddFunc(cfg.Scheduler.SweepSchedule, func() {
		runExclusive(ctx, "sweep", defaultLockTTL, func(ctx context.Context) {
			if _, err := sweeper.Run(ctx); err != nil {
				logrus.WithError(err).Error("[SWEEPER] Sweep failed")
			}
		})
	}); err != nil {
		logrus.Fatalf("[CRON] invalid sweep schedule %q: %v", cfg.Scheduler.SweepSchedule, err)
	}
	if spec := cfg.Scheduler.ProcessSchedule; spec != "" {
		if _, err := scheduler.AddFunc(spec, func() {
			runExclusive(ctx, "process", defaultLockTTL, func(ctx context.Context) {
				if _, err := orchestrator.ProcessScheduledPosts(ctx); err != nil {
					logrus.WithError(err).Error("[ORCHESTRATOR] Batch run failed")
				}
			})
		}); err != nil {
			logrus.Fatalf("[CRON] invalid process schedule %q: %v", spec, err)
		}
	}
	scheduler.Start()

	// Graceful shutdown handler
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logrus.Info("[REST] Reception of termination signal, shutting down gracefully...")
		<-scheduler.Stop().Done()
		cancel()
		if err := app.Shutdown(); err != nil {
			logrus.Errorf("[REST] Error during Fiber shutdown: %v", err)
		}

		StopApp()
	}()

	rest.InitRestScheduler(apiGroup, schedulerUsecase)
	rest.InitRestHealth(apiGroup, schedulerUsecase)
	rest.InitRestWorkerPool(apiGroup, dispatchPool)
	rest.InitRestSettings(apiGroup, settingsService)

	// Websocket
	websocket.SetValkeyClient(vkClient, serverID)
	websocket.RegisterRoutes(apiGroup, schedulerUsecase)
	go websocket.RunHub(ctx)

	// 404 Handler ONLY for API group
	apiGroup.All("/*", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "API Endpoint not found",
			"path":  c.Path(),
		})
	})

	if err := app.Listen(":" + cfg.App.Port); err != nil {
		logrus.Fatalln("Failed to start: ", err.Error())
	}
}
