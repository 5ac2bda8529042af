package routes

import (
	"github.com/ahmetk3436/sshdeck/internal/config"
	"github.com/ahmetk3436/sshdeck/internal/handlers"
	"github.com/ahmetk3436/sshdeck/internal/middleware"
	"github.com/gofiber/fiber/v2"
)

func Setup(
	app *fiber.App,
	cfg *config.Config,
	authHandler *handlers.AuthHandler,
	connectionHandler *handlers.ConnectionHandler,
	sessionHandler *handlers.SessionHandler,
	terminalHandler *handlers.TerminalHandler,
	commandHandler *handlers.CommandHandler,
	fileHandler *handlers.FileHandler,
	dockerHandler *handlers.DockerHandler,
	logHandler *handlers.LogHandler,
	processHandler *handlers.ProcessHandler,
	eventHandler *handlers.EventHandler,
	systemHandler *handlers.SystemHandler,
	auditHandler *handlers.AuditHandler,
) {
	// ─── Public ──────────────────────────────────────────────────────────
	app.Get("/api/health", systemHandler.Health)

	// ─── Auth ────────────────────────────────────────────────────────────
	app.Post("/api/auth/login", authHandler.Login)
	app.Post("/api/auth/refresh", authHandler.Refresh)

	// ─── Protected routes ────────────────────────────────────────────────
	api := app.Group("/api", middleware.JWTProtected(cfg.JWTSecret))

	// Auth (protected)
	api.Get("/auth/me", authHandler.Me)
	api.Put("/auth/password", authHandler.ChangePassword)

	// System
	api.Get("/system/info", systemHandler.Info)
	api.Get("/audit-logs", auditHandler.ListAuditLogs)

	// Connections
	api.Get("/connections", connectionHandler.ListConnections)
	api.Post("/connections", connectionHandler.CreateConnection)
	api.Post("/connections/test", connectionHandler.TestAdhoc)
	api.Post("/connections/import", connectionHandler.ImportConfig)
	api.Put("/connections/import", connectionHandler.ImportConfigPath)
	api.Get("/connections/:id", connectionHandler.GetConnection)
	api.Put("/connections/:id", connectionHandler.UpdateConnection)
	api.Delete("/connections/:id", connectionHandler.DeleteConnection)
	api.Post("/connections/:id/test", connectionHandler.TestConnection)

	// Sessions
	api.Post("/connections/:id/sessions", sessionHandler.OpenSession)
	api.Get("/sessions", sessionHandler.ListSessions)
	api.Get("/sessions/history", sessionHandler.SessionHistory)
	api.Get("/sessions/:id", sessionHandler.GetSession)
	api.Delete("/sessions/:id", sessionHandler.CloseSession)

	// Terminal (WebSocket)
	api.Use("/connections/:id/terminal", handlers.UpgradeCheck())
	api.Get("/connections/:id/terminal", terminalHandler.HandleTerminal())
	api.Use("/sessions/:id/terminal", handlers.UpgradeCheck())
	api.Get("/sessions/:id/terminal", terminalHandler.HandleAttach())

	// Commands
	api.Post("/connections/:id/exec", commandHandler.ExecCommand)
	api.Post("/execute", commandHandler.ExecMany)
	api.Get("/connections/:id/history", commandHandler.GetHistory)
	api.Get("/commands/favorites", commandHandler.ListFavorites)
	api.Post("/commands/:id/favorite", commandHandler.ToggleFavorite)
	api.Delete("/commands/:id/favorite", commandHandler.DeleteFavorite)

	// Files (SFTP)
	files := api.Group("/connections/:id/files")
	files.Get("/", fileHandler.ListFiles)
	files.Get("/read", fileHandler.ReadFile)
	files.Put("/write", fileHandler.WriteFile)
	files.Delete("/", fileHandler.DeleteFile)
	files.Post("/mkdir", fileHandler.Mkdir)
	files.Post("/rename", fileHandler.Rename)
	files.Get("/download", fileHandler.Download)
	files.Get("/disk", fileHandler.DiskUsage)

	// Docker
	docker := api.Group("/connections/:id/docker")
	docker.Get("/containers", dockerHandler.ListContainers)
	docker.Get("/containers/:cid", dockerHandler.InspectContainer)
	docker.Post("/containers/:cid/action", dockerHandler.ContainerAction)
	docker.Get("/containers/:cid/logs", dockerHandler.ContainerLogs)
	docker.Post("/containers/:cid/exec", dockerHandler.ContainerExec)

	// Logs
	api.Get("/connections/:id/logs", logHandler.GetLogs)
	api.Get("/connections/:id/logs/stream", logHandler.StreamLogs)
	api.Use("/connections/:id/logs/follow", handlers.UpgradeCheck())
	api.Get("/connections/:id/logs/follow", logHandler.FollowLogs())

	// Processes & services
	api.Get("/connections/:id/processes", processHandler.ListProcesses)
	api.Post("/connections/:id/processes/:pid/kill", processHandler.KillProcess)
	api.Get("/connections/:id/services", processHandler.ListServices)
	api.Post("/connections/:id/services/:name/action", processHandler.ServiceAction)

	// Live events (WebSocket)
	api.Use("/events", handlers.UpgradeCheck())
	api.Get("/events", eventHandler.Events())
}
