package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"buildflow/backend/internal/api"
	"buildflow/backend/internal/auth"
	"buildflow/backend/internal/config"
	"buildflow/backend/internal/logging"
	"buildflow/backend/internal/mcp"
	"buildflow/backend/internal/repository"
	"buildflow/backend/internal/services"
	"buildflow/backend/internal/tls"
)

func main() {
	ctx := context.Background()

	logger := logging.NewLogger()

	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		log.Fatalf("configuration loading failed: %v", err)
	}

	logger.Info("starting workflow service", "environment", cfg.Environment)

	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		log.Fatalf("database initialization failed: %v", err)
	}
	defer dbPool.Close()
	logger.Info("database connected")

	// Repository layer.
	templateStore := repository.NewPostgresTemplateStore(dbPool)
	workflowStore := repository.NewPostgresWorkflowStore(dbPool)
	memberStore := repository.NewPostgresMemberStore(dbPool)

	// Notification bus. Without redis the engine buffers events in memory,
	// which is fine for a single dev instance.
	var (
		notifier services.Notifier
		claims   services.Claimer
		busPing  api.Pinger
	)
	if cfg.Redis.Addr != "" {
		bus := services.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := bus.Ping(ctx); err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
			log.Fatalf("redis connection failed: %v", err)
		}
		defer bus.Close()
		notifier, claims, busPing = bus, bus, bus
		logger.Info("notification bus connected", "addr", cfg.Redis.Addr)
	} else {
		mem := services.NewMemoryNotifier()
		notifier, claims = mem, mem
		logger.Warn("redis not configured; notifications stay in memory")
	}

	// Service layer.
	resolver := services.NewResolver(memberStore, workflowStore, logger)
	engine := services.NewEngine(templateStore, workflowStore, workflowStore, resolver, notifier, logger)
	templateSvc := services.NewTemplateService(templateStore, workflowStore, services.NewValidator(), logger)
	window := time.Duration(cfg.Scheduler.DueSoonWindowHrs) * time.Hour
	scheduler := services.NewScheduler(workflowStore, notifier, claims, window, logger)
	analytics := services.NewAnalytics(workflowStore, workflowStore)
	logger.Info("service layer initialized")

	if err := scheduler.Start(cfg.Scheduler.SweepSpec); err != nil {
		logger.Error("failed to start deadline sweep", "error", err)
		log.Fatalf("scheduler start failed: %v", err)
	}
	defer scheduler.Stop()

	// Create Echo server.
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("buildflow-workflow"))

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize auth", "error", err)
		log.Fatalf("auth initialization failed: %v", err)
	}

	server := api.NewServer(templateSvc, engine, scheduler, analytics, dbPool, busPing, logger)
	e.GET("/health", server.HandleHealth)

	// Browser login flow for the web client.
	e.GET("/auth/login", authz.Login)
	e.GET("/auth/callback", authz.Callback)
	e.GET("/auth/logout", authz.Logout)

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(authz.Middleware())
	server.Register(apiGroup)
	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers.
	mcpServer := mcp.NewServer(engine, scheduler)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	addr := ":8080"
	if cfg.TLS.Enable {
		addr = ":8443"
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
				logger.Error("TLS enabled but cert/key file not provided")
				serverErrors <- httpServer.ListenAndServe()
				return
			}
			// Generate if missing and hostnames provided.
			if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) {
				if len(cfg.TLS.Hostnames) > 0 {
					validFor := time.Duration(cfg.TLS.ValidityDays) * 24 * time.Hour
					if err := tls.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames, validFor); err != nil {
						logger.Error("failed to generate self-signed cert", "error", err)
					}
				}
			}
			serverErrors <- httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- httpServer.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			log.Fatalf("server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", "error", err)
			if err := httpServer.Close(); err != nil {
				logger.Error("server close error", "error", err)
			}
		}
		logger.Info("server stopped gracefully")
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
