package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/cache"
	"github.com/ahmetk3436/sshdeck/internal/config"
	"github.com/ahmetk3436/sshdeck/internal/crypto"
	"github.com/ahmetk3436/sshdeck/internal/database"
	"github.com/ahmetk3436/sshdeck/internal/dockerremote"
	"github.com/ahmetk3436/sshdeck/internal/handlers"
	"github.com/ahmetk3436/sshdeck/internal/pubsub"
	"github.com/ahmetk3436/sshdeck/internal/remotelogs"
	"github.com/ahmetk3436/sshdeck/internal/routes"
	"github.com/ahmetk3436/sshdeck/internal/services"
	"github.com/ahmetk3436/sshdeck/internal/sftpfs"
	"github.com/ahmetk3436/sshdeck/internal/sshconfig"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/ahmetk3436/sshdeck/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	// JSON structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "sshdeck",
		Short:         "SSH dashboard: stored connections, terminals and remote commands",
		Version:       handlers.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and WebSocket server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve()
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				_, db, err := setup()
				if err != nil {
					return err
				}
				defer closeDB(db)
				slog.Info("Migrations applied")
				return nil
			},
		},
		importConfigCommand(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func importConfigCommand() *cobra.Command {
	var test bool
	cmd := &cobra.Command{
		Use:   "import-config [path]",
		Short: "Import hosts from an OpenSSH client config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "~/.ssh/config"
			if len(args) == 1 {
				path = args[0]
			}
			cfg, db, err := setup()
			if err != nil {
				return err
			}
			defer closeDB(db)

			st, err := newStore(cfg, db)
			if err != nil {
				return err
			}
			var tester sshconfig.Tester
			if test {
				tester = sshsession.NewProber(st, sshsession.NewDialer(cfg.SSHConnectTimeout), st)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolve home directory: %w", err)
			}

			sum, err := sshconfig.NewImporter(st, tester, home).ImportFile(cmd.Context(), path, test)
			if err != nil {
				return err
			}
			for _, r := range sum.Results {
				switch {
				case !r.Success:
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %s (%s): %s\n", r.Name, r.Host, r.Error)
				case r.TestError != "":
					fmt.Fprintf(cmd.OutOrStdout(), "ADDED %s (%s), test failed: %s\n", r.Name, r.Host, r.TestError)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "ADDED %s (%s)\n", r.Name, r.Host)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d imported, %d failed, %d wildcard blocks skipped\n",
				sum.Imported, sum.Failed, len(sum.Skipped))
			return nil
		},
	}
	cmd.Flags().BoolVar(&test, "test", false, "probe each imported connection")
	return cmd
}

// setup loads config and opens a migrated database.
func setup() (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(db); err != nil {
		closeDB(db)
		return nil, nil, fmt.Errorf("database migration failed: %w", err)
	}
	return cfg, db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

func newStore(cfg *config.Config, db *gorm.DB) (*store.ConnectionStore, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	if cfg.EncryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set, generated a temporary key; stored secrets will be unreadable after restart",
			"generated_key", encryptor.Key())
	}
	return store.New(db, encryptor), nil
}

func serve() error {
	slog.Info("Starting sshdeck", "version", handlers.Version)

	// ─── Config & Database ───────────────────────────────────────────────
	cfg, db, err := setup()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		closeDB(db)
		return fmt.Errorf("JWT_SECRET must be set")
	}

	st, err := newStore(cfg, db)
	if err != nil {
		closeDB(db)
		return err
	}

	// ─── Cache & Events ─────────────────────────────────────────────────
	var (
		c   cache.Cache
		bus pubsub.Bus
	)
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			closeDB(db)
			return err
		}
		defer client.Close()
		c = cache.NewRedisCache(client, "sshdeck:")
		bus = pubsub.NewRedisBus(client)
		slog.Info("Using Redis for cache and events")
	} else {
		c = cache.NewMemoryCache()
		bus = pubsub.NewMemoryBus()
	}

	// ─── SSH ────────────────────────────────────────────────────────────
	dialer := sshsession.NewDialer(cfg.SSHConnectTimeout)
	manager := sshsession.NewManager(st, dialer, sshsession.Policy(cfg.ShellPolicy))
	executor := sshsession.NewExecutor(st, dialer, cfg.SSHExecTimeout)
	prober := sshsession.NewProber(st, dialer, st)
	bridge := sshsession.NewBridge()

	files := sftpfs.New(st, dialer, c)
	docker := dockerremote.New(dockerremote.SSHTunnel(st, dialer), c, bus)
	logs := remotelogs.New(executor, docker)

	home, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("Home directory unavailable, ~ in import paths will not expand", "error", err)
	}
	importer := sshconfig.NewImporter(st, prober, home)

	// ─── Background jobs ────────────────────────────────────────────────
	checker := services.NewStatusChecker(st, prober, cfg.StatusCheckSchedule)
	if err := checker.Start(); err != nil {
		closeDB(db)
		return err
	}
	janitor := services.NewSessionJanitor(manager, cfg.SessionIdleTimeout)
	janitor.Start()

	// ─── Handlers ───────────────────────────────────────────────────────
	authHandler := handlers.NewAuthHandler(cfg, db)
	connectionHandler := handlers.NewConnectionHandler(db, st, prober, manager, importer)
	sessionHandler := handlers.NewSessionHandler(db, st, manager)
	terminalHandler := handlers.NewTerminalHandler(sessionHandler, bridge)
	commandHandler := handlers.NewCommandHandler(db, executor, bus)
	fileHandler := handlers.NewFileHandler(db, files)
	dockerHandler := handlers.NewDockerHandler(db, docker)
	logHandler := handlers.NewLogHandler(logs)
	processHandler := handlers.NewProcessHandler(db, executor)
	eventHandler := handlers.NewEventHandler(bus)
	systemHandler := handlers.NewSystemHandler(db, manager)
	auditHandler := handlers.NewAuditHandler(db)

	// ─── Fiber App ──────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:      "sshdeck v" + handlers.Version,
		ServerHeader: "sshdeck",
		BodyLimit:    10 * 1024 * 1024, // file writes and config uploads
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := "Internal server error"
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				message = e.Message
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": message,
			})
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, PATCH, OPTIONS",
	}))

	app.Use(recover.New(recover.Config{
		EnableStackTrace: false,
	}))

	// Security headers
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-XSS-Protection", "1; mode=block")
		return c.Next()
	})

	// Request logger
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if c.Path() == "/api/health" {
			return err
		}
		slog.Info("request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		)
		return err
	})

	// ─── Routes ─────────────────────────────────────────────────────────
	routes.Setup(app, cfg, authHandler, connectionHandler, sessionHandler, terminalHandler,
		commandHandler, fileHandler, dockerHandler, logHandler, processHandler,
		eventHandler, systemHandler, auditHandler)

	// ─── Graceful Shutdown ──────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slog.Info("Shutting down sshdeck...")

		checker.Stop()
		janitor.Stop()
		manager.CloseAll()

		if err := app.Shutdown(); err != nil {
			slog.Error("Fiber shutdown error", "error", err)
		}
	}()

	// ─── Start ──────────────────────────────────────────────────────────
	listenAddr := ":" + cfg.Port
	slog.Info("sshdeck listening", "addr", listenAddr)

	err = app.Listen(listenAddr)
	if cerr := bus.Close(); cerr != nil {
		slog.Warn("Event bus close failed", "error", cerr)
	}
	closeDB(db)
	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
